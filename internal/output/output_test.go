package output

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/logging"
)

func TestDispatcherCapturesLines(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	lf, err := logging.NewLogFile(filepath.Join(t.TempDir(), "out.log"), 0, 0)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer lf.Close()
	lf.EnableTail()

	d := New(zap.NewNop(), "stdout", r, lf)

	w.WriteString("first line\nsecond line\n")
	w.Close()
	d.Close()

	recent := lf.Recent(2)
	if len(recent) != 2 || recent[0] != "second line" || recent[1] != "first line" {
		t.Fatalf("expected captured lines newest-first, got %v", recent)
	}
}

func TestDispatcherCloseUnblocksOnOpenPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	lf, err := logging.NewLogFile(filepath.Join(t.TempDir(), "out.log"), 0, 0)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer lf.Close()

	d := New(zap.NewNop(), "stdout", r, lf)

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not force-close the read end of a still-open pipe")
	}
}
