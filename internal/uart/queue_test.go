package uart_test

import (
	"context"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/hil-tools/dutctl/internal/uart"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := uart.NewQueue()
	const n = 100
	for i := range n {
		q.Push(fmt.Sprintf("line-%03d", i))
	}

	for i := range n {
		line, err := q.Pop(t.Context())
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("line-%03d", i), line)
		q.Ack()
	}
	require.Equal(t, 0, q.Pending())
}

func TestPopWaitsForProducer(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		q := uart.NewQueue()

		got := make(chan string, 1)
		go func() {
			line, err := q.Pop(context.Background())
			if err != nil {
				got <- "error: " + err.Error()
				return
			}
			got <- line
		}()

		time.Sleep(1 * time.Second)
		q.Push("late")
		require.Equal(t, "late", <-got)
	})
}

func TestPopHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	q := uart.NewQueue()
	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPopPrefersCancellationOverBacklog(t *testing.T) {
	t.Parallel()

	q := uart.NewQueue()
	q.Push("a")
	q.Push("b")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"a", "b"}, q.DrainRemaining(),
		"queued lines belong to the drain path once cancelled")
}

func TestJoinWaitsForAcks(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		q := uart.NewQueue()
		q.Push("a")
		q.Push("b")

		joined := make(chan error, 1)
		go func() {
			joined <- q.Join(context.Background())
		}()

		for range 2 {
			_, err := q.Pop(context.Background())
			require.NoError(t, err)
			time.Sleep(100 * time.Millisecond)
			q.Ack()
		}

		require.NoError(t, <-joined)
		require.Equal(t, 0, q.Pending())
	})
}

func TestDrainRemaining(t *testing.T) {
	t.Parallel()

	q := uart.NewQueue()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	line, err := q.Pop(t.Context())
	require.NoError(t, err)
	require.Equal(t, "a", line)
	q.Ack()

	rest := q.DrainRemaining()
	require.Equal(t, []string{"b", "c"}, rest)
	require.Equal(t, 2, q.Pending(), "drained lines still need acks")
	for range rest {
		q.Ack()
	}
	require.NoError(t, q.Join(t.Context()))
}
