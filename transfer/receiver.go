// Package transfer implements the admission-controlled, crash-safe
// stream-to-disk path used by both the agent and the nexus when accepting an
// incoming file.
package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// safetyMarginBytes is kept free on top of the incoming file size so a
// transfer can never fill the disk completely.
const safetyMarginBytes = 100 * 1024 * 1024

const (
	readBufferSize  = 16 * 1024
	writeBufferSize = 64 * 1024
)

// ErrInsufficientSpace is returned when the destination filesystem cannot
// hold the incoming file plus the safety margin. It is distinct from generic
// transfer failures so callers can avoid an immediate retry.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// ErrInvalidFilename is returned by the preflight filename validation.
var ErrInvalidFilename = errors.New("invalid filename")

// Receiver streams incoming files into a destination directory. Appending
// the transfer log entry after a successful receive is the caller's job; a
// logging failure there must never fail the completed transfer.
type Receiver struct {
	dir    string
	usable func(dir string) (uint64, error)
}

// NewReceiver creates a receiver writing into dir, creating it if needed.
func NewReceiver(dir string) (*Receiver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Receiver{dir: dir, usable: usableBytes}, nil
}

// usableBytes reports the space available to unprivileged writers on the
// filesystem holding dir.
func usableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// ValidateFilename rejects empty names, path separators, parent-directory
// segments and embedded NUL bytes before any write happens.
func ValidateFilename(filename string) error {
	trimmed := strings.TrimSpace(filename)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	}
	if strings.ContainsAny(filename, "/\\") || filename != filepath.Base(filename) {
		return fmt.Errorf("%w: contains path separators", ErrInvalidFilename)
	}
	if strings.Contains(filename, "..") {
		return fmt.Errorf("%w: contains parent directory segment", ErrInvalidFilename)
	}
	if strings.ContainsRune(filename, 0) {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidFilename)
	}
	return nil
}

// CheckSpace verifies the destination can hold requiredBytes plus the safety
// margin. Acceptance is inclusive: usable == required+margin passes.
func (r *Receiver) CheckSpace(requiredBytes int64) error {
	usable, err := r.usable(r.dir)
	if err != nil {
		// Cannot probe the filesystem; let the write path surface the
		// real error instead of rejecting up front.
		log.Printf("unable to check disk space: %v", err)
		return nil
	}
	required := uint64(requiredBytes) + safetyMarginBytes
	if usable < required {
		return fmt.Errorf("%w: required %d MB, available %d MB",
			ErrInsufficientSpace, required/(1024*1024), usable/(1024*1024))
	}
	return nil
}

// Receive streams src into dir under filename. The bytes land in a temporary
// file first and are renamed into place only after a complete, flushed
// write, so no observer ever sees a partial file at the final path. On any
// failure the temporary file is removed.
func (r *Receiver) Receive(src io.Reader, filename string, declaredSize int64) (int64, error) {
	if err := ValidateFilename(filename); err != nil {
		return 0, err
	}
	if err := r.CheckSpace(declaredSize); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(r.dir, "."+filename+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := copyStream(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		if isNoSpace(err) {
			return 0, fmt.Errorf("%w: device exhausted during write", ErrInsufficientSpace)
		}
		return 0, fmt.Errorf("failed to write file to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	finalPath := filepath.Join(r.dir, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to finalize file: %w", err)
	}

	return written, nil
}

// copyStream copies src into dst through a bounded read buffer and a larger
// write buffer, flushing before returning.
func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	w := bufio.NewWriterSize(dst, writeBufferSize)
	buf := make([]byte, readBufferSize)
	written, err := io.CopyBuffer(w, src, buf)
	if err != nil {
		return written, err
	}
	if err := w.Flush(); err != nil {
		return written, err
	}
	return written, nil
}

// isNoSpace reports whether err is rooted in filesystem exhaustion.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
