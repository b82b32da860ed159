// Package uart owns the serial side of a run: the line reader teeing DUT
// output to a raw log and the queue feeding control lines to the
// processor.
package uart

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.bug.st/serial"

	"github.com/hil-tools/dutctl/internal/halt"
)

// DefaultBaud is used when a serial device is given without a baud rate.
const DefaultBaud = 115200

// Open opens the serial device at the given baud rate. The returned port
// is an io.ReadCloser; closing it is how the reader is cancelled.
func Open(device string, baud int) (io.ReadCloser, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("opening serial device %s: %w", device, err)
	}
	return port, nil
}

// Reader consumes a serial port line by line. Every line goes verbatim
// (terminator included) to the raw log; lines starting with the control
// prefix are additionally pushed, trimmed, onto the queue.
type Reader struct {
	Prefix  string // "@<tool>"
	OutPath string // raw log, truncated on start
}

// Run reads until port is closed or fails. A link that closes unprompted
// ends the run, so the halt signal is asserted before returning. Lines
// already written to the raw log are flushed even on cancellation.
func (r Reader) Run(ctx context.Context, sig *halt.Signal, port io.ReadCloser, q *Queue) error {
	if err := os.MkdirAll(filepath.Dir(r.OutPath), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	out, err := os.Create(r.OutPath)
	if err != nil {
		return fmt.Errorf("creating raw serial log: %w", err)
	}
	buf := bufio.NewWriter(out)
	defer func() {
		_ = buf.Flush()
		_ = out.Close()
	}()

	lines := bufio.NewReader(port)
	for {
		line, err := lines.ReadString('\n')
		if line != "" {
			// Control lines take effect only once their newline arrived.
			if err == nil && strings.HasPrefix(line, r.Prefix) {
				q.Push(strings.TrimRight(line, "\r\n"))
			}
			if _, werr := buf.WriteString(line); werr != nil {
				slog.ErrorContext(ctx, "writing raw serial log", "error", werr)
			}
		}
		if err != nil {
			// Cancellation closes the port under us; only an unprompted
			// close ends the run for everyone.
			if !sig.IsSet() {
				if errors.Is(err, io.EOF) {
					slog.InfoContext(ctx, "serial link closed, terminating run")
				} else {
					slog.ErrorContext(ctx, "serial link failed, terminating run", "error", err)
				}
				sig.Assert()
			}
			return nil
		}
	}
}
