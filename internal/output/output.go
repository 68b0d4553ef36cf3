// Package output implements Component F: per-child-stream capture of
// stdout/stderr into the log pipeline. Grounded on the teacher's
// process.handleStdout/handleStderr — a bufio.Scanner over the pipe's read
// end with a grown buffer, run on a dedicated goroutine per stream.
//
// spec.md §4.D describes this as a readiness-registered fd handler inside
// the single event loop; the idiomatic Go rendition used throughout this
// module instead gives each stream its own blocking-read goroutine that
// never touches shared Process/Supervisor state directly — it only calls
// into the (independently synchronized) LogFile. This keeps the same
// "non-blocking from the loop's perspective" property the spec requires
// without hand-rolling non-blocking reads over a blocking pipe fd.
package output

import (
	"bufio"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/logging"
)

const (
	initialScanBuf = 64 * 1024
	maxScanBuf     = 1024 * 1024
)

// Dispatcher owns one child stream's read end and feeds lines into a
// LogFile until EOF (the child closed its write end) or Close is called.
type Dispatcher struct {
	r    *os.File
	done chan struct{}
}

// New starts capturing r into lf on a new goroutine. r is the read end of
// a pipe whose write end was handed to the child as stdout or stderr.
func New(log *zap.Logger, stream string, r *os.File, lf *logging.LogFile) *Dispatcher {
	d := &Dispatcher{r: r, done: make(chan struct{})}
	go d.run(log, stream, lf)
	return d
}

func (d *Dispatcher) run(log *zap.Logger, stream string, lf *logging.LogFile) {
	defer close(d.done)
	defer d.r.Close()

	scanner := bufio.NewScanner(d.r)
	scanner.Buffer(make([]byte, initialScanBuf), maxScanBuf)

	for scanner.Scan() {
		if err := lf.WriteLine(scanner.Text()); err != nil && log != nil {
			log.Warn("writing captured output", zap.String("stream", stream), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF && log != nil {
		log.Debug("output capture ended", zap.String("stream", stream), zap.Error(err))
	}
}

// Close force-closes the read end, unblocking the capture goroutine
// immediately rather than waiting for the child's own exit to close its
// write end — §4.F "must not block on a final flush of a vanished pipe".
// Safe to call after the goroutine has already exited on its own EOF.
func (d *Dispatcher) Close() {
	d.r.Close()
	<-d.done
}
