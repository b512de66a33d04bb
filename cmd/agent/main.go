package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atamanahmet/beamlink/agent"
)

func main() {
	app, err := agent.Bootstrap()
	if err != nil {
		log.Fatalf("failed to bootstrap agent: %v", err)
	}
	defer app.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)

	// File uploads stream for minutes on slow links, keep the windows wide.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config.ListenPort),
		Handler:           app.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("agent HTTP server starting on port %d", app.Config.ListenPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-sigChan
	log.Println("shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
