package uart_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hil-tools/dutctl/internal/halt"
	"github.com/hil-tools/dutctl/internal/uart"
	"github.com/stretchr/testify/require"
)

func TestReaderTeesAndFilters(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	outPath := filepath.Join(t.TempDir(), "logs", "uart0.log")
	r := uart.Reader{Prefix: "@dutctl", OutPath: outPath}
	sig := halt.New()
	q := uart.NewQueue()

	done := make(chan error, 1)
	go func() {
		done <- r.Run(t.Context(), sig, pr, q)
	}()

	input := "boot ok\r\n" +
		"@dutctl:dutmeas:cycles:1000\r\n" +
		"plain output\n" +
		"@dutctl:psumeas:idle:0\n"
	_, err := pw.Write([]byte(input))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	require.NoError(t, <-done)
	require.True(t, sig.IsSet(), "link closing unprompted must assert halt")

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, input, string(raw), "raw log carries every line verbatim")

	line, err := q.Pop(t.Context())
	require.NoError(t, err)
	require.Equal(t, "@dutctl:dutmeas:cycles:1000", line, "terminator stripped")
	q.Ack()
	line, err = q.Pop(t.Context())
	require.NoError(t, err)
	require.Equal(t, "@dutctl:psumeas:idle:0", line)
	q.Ack()
	require.Equal(t, 0, q.Pending())
}

func TestReaderCancelledByClosingPort(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	r := uart.Reader{
		Prefix:  "@dutctl",
		OutPath: filepath.Join(t.TempDir(), "uart0.log"),
	}
	sig := halt.New()
	q := uart.NewQueue()

	done := make(chan error, 1)
	go func() {
		done <- r.Run(t.Context(), sig, pr, q)
	}()

	_, err := pw.Write([]byte("partial line without terminator"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Orchestrator-style cancellation: assert, then close the port.
	sig.Assert()
	require.NoError(t, pr.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop after port close")
	}
	require.Equal(t, 0, q.Pending(), "partial line must not reach the queue")
}
