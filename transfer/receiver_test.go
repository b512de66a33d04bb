package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateFilename(t *testing.T) {
	valid := []string{"report.pdf", "a", "photo 2024.jpg", "archive.tar.gz"}
	for _, name := range valid {
		if err := ValidateFilename(name); err != nil {
			t.Errorf("ValidateFilename(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "  ", "a/b", `a\b`, "../etc/passwd", "..", "weird-..-name", "nul\x00byte"}
	for _, name := range invalid {
		if err := ValidateFilename(name); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("ValidateFilename(%q) = %v, want ErrInvalidFilename", name, err)
		}
	}
}

func TestReceiver_CheckSpace(t *testing.T) {
	r, err := NewReceiver(t.TempDir())
	if err != nil {
		t.Fatalf("NewReceiver error: %v", err)
	}

	t.Run("exactly enough passes", func(t *testing.T) {
		r.usable = func(string) (uint64, error) { return 1000 + safetyMarginBytes, nil }
		if err := r.CheckSpace(1000); err != nil {
			t.Errorf("CheckSpace = %v, want nil", err)
		}
	})

	t.Run("one byte short fails", func(t *testing.T) {
		r.usable = func(string) (uint64, error) { return 999 + safetyMarginBytes, nil }
		if err := r.CheckSpace(1000); !errors.Is(err, ErrInsufficientSpace) {
			t.Errorf("CheckSpace = %v, want ErrInsufficientSpace", err)
		}
	})

	t.Run("probe failure defers to the write path", func(t *testing.T) {
		r.usable = func(string) (uint64, error) { return 0, errors.New("statfs broken") }
		if err := r.CheckSpace(1000); err != nil {
			t.Errorf("CheckSpace = %v, want nil on probe failure", err)
		}
	})
}

type failingReader struct {
	data []byte
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestReceiver_Receive(t *testing.T) {
	t.Run("writes file atomically", func(t *testing.T) {
		dir := t.TempDir()
		r, err := NewReceiver(dir)
		if err != nil {
			t.Fatalf("NewReceiver error: %v", err)
		}

		content := strings.Repeat("chunk", 10000)
		written, err := r.Receive(strings.NewReader(content), "data.bin", int64(len(content)))
		if err != nil {
			t.Fatalf("Receive error: %v", err)
		}
		if written != int64(len(content)) {
			t.Errorf("written = %d, want %d", written, len(content))
		}

		got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
		if err != nil {
			t.Fatalf("ReadFile error: %v", err)
		}
		if string(got) != content {
			t.Error("content mismatch")
		}

		// No temp files left behind.
		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Errorf("expected only the final file, found %d entries", len(entries))
		}
	})

	t.Run("failed stream leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		r, err := NewReceiver(dir)
		if err != nil {
			t.Fatalf("NewReceiver error: %v", err)
		}

		src := &failingReader{data: []byte("partial data")}
		if _, err := r.Receive(src, "data.bin", 1024); err == nil {
			t.Fatal("expected error")
		}

		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("expected empty dir, found %d entries", len(entries))
		}
	})

	t.Run("invalid filename is rejected before any write", func(t *testing.T) {
		dir := t.TempDir()
		r, err := NewReceiver(dir)
		if err != nil {
			t.Fatalf("NewReceiver error: %v", err)
		}

		if _, err := r.Receive(strings.NewReader("x"), "../escape", 1); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("Receive = %v, want ErrInvalidFilename", err)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("expected empty dir, found %d entries", len(entries))
		}
	})

	t.Run("preflight rejection blocks the transfer", func(t *testing.T) {
		dir := t.TempDir()
		r, err := NewReceiver(dir)
		if err != nil {
			t.Fatalf("NewReceiver error: %v", err)
		}
		r.usable = func(string) (uint64, error) { return 0, nil }

		if _, err := r.Receive(strings.NewReader("x"), "data.bin", 1); !errors.Is(err, ErrInsufficientSpace) {
			t.Errorf("Receive = %v, want ErrInsufficientSpace", err)
		}
	})
}
