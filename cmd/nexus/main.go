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

	"github.com/atamanahmet/beamlink/nexus"
)

func main() {
	app, err := nexus.Bootstrap()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Storage.Close()

	pushCtx, stopPush := context.WithCancel(context.Background())
	defer stopPush()
	go app.PushService.Run(pushCtx)

	// Start HTTP server. Read and write windows are wide because file
	// uploads stream for minutes on slow links.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config.ServerPort),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("HTTP server starting on port %d", app.Config.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-sigChan
	log.Println("shutting down server...")
	stopPush()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
