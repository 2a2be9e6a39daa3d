package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/planqueue/queue"
)

func TestAdapter_EnqueueConsumeDeliversAndAcks(t *testing.T) {
	t.Parallel()

	a := New(Options{})
	defer a.Close(context.Background())

	received := make(chan queue.Message, 1)
	_, err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg queue.Message) error {
		received <- msg
		return msg.Ack(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("hello"), queue.EnqueueOptions{}))

	select {
	case msg := <-received:
		require.Equal(t, []byte("hello"), msg.Payload())
		require.Equal(t, 1, msg.Attempts())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	depth, err := a.GetQueueDepth(context.Background(), "q1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		depth, _ = a.GetQueueDepth(context.Background(), "q1")
		return depth == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAdapter_IdempotencyKeyDeduplicates(t *testing.T) {
	t.Parallel()

	a := New(Options{IdempotencyWindow: time.Minute})
	defer a.Close(context.Background())

	var mu sync.Mutex
	var deliveries int
	_, err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg queue.Message) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		return msg.Ack(ctx)
	})
	require.NoError(t, err)

	opts := queue.EnqueueOptions{IdempotencyKey: "plan-1:step-1"}
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("a"), opts))
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("b"), opts))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, deliveries, "the second enqueue with the same idempotency key must not be delivered")
	mu.Unlock()
}

func TestAdapter_VisibilityTimeoutRedeliversUnresolvedMessage(t *testing.T) {
	t.Parallel()

	a := New(Options{VisibilityTimeout: 50 * time.Millisecond})
	defer a.Close(context.Background())

	deliveries := make(chan queue.Message, 10)
	_, err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg queue.Message) error {
		deliveries <- msg
		// Never resolve the first delivery; let the visibility timeout fire.
		if msg.Attempts() == 1 {
			return nil
		}
		return msg.Ack(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), queue.EnqueueOptions{}))

	first := <-deliveries
	require.Equal(t, 1, first.Attempts())

	select {
	case second := <-deliveries:
		require.Equal(t, 2, second.Attempts())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery after visibility timeout")
	}
}

func TestAdapter_RetryWithDelayRedeliversLater(t *testing.T) {
	t.Parallel()

	a := New(Options{})
	defer a.Close(context.Background())

	start := time.Now()
	deliveries := make(chan time.Time, 2)
	_, err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg queue.Message) error {
		deliveries <- time.Now()
		if msg.Attempts() == 1 {
			return msg.Retry(ctx, queue.RetryOptions{Delay: 100 * time.Millisecond})
		}
		return msg.Ack(ctx)
	})
	require.NoError(t, err)
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), queue.EnqueueOptions{}))

	<-deliveries
	select {
	case second := <-deliveries:
		require.GreaterOrEqual(t, second.Sub(start), 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed redelivery")
	}
}

func TestAdapter_DeadLetterRemovesMessageAndRecordsReason(t *testing.T) {
	t.Parallel()

	a := New(Options{})
	defer a.Close(context.Background())

	done := make(chan struct{})
	_, err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg queue.Message) error {
		defer close(done)
		return msg.DeadLetter(ctx, "Retries exhausted after 2 attempts: boom")
	})
	require.NoError(t, err)
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), queue.EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead-letter handling")
	}

	require.Eventually(t, func() bool {
		depth, _ := a.GetQueueDepth(context.Background(), "q1")
		return depth == 0
	}, time.Second, 10*time.Millisecond)

	dead, err := a.ListDeadLettered(context.Background(), "q1", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "Retries exhausted after 2 attempts: boom", dead[0].Reason)
}

func TestAdapter_HandlerErrorWithNoResolutionImpliesRetry(t *testing.T) {
	t.Parallel()

	a := New(Options{})
	defer a.Close(context.Background())

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})
	_, err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg queue.Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Attempts())
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			return errInjectedFailure
		}
		defer close(done)
		return msg.Ack(ctx)
	})
	require.NoError(t, err)
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), queue.EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for implicit-retry redelivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, attempts)
}

var errInjectedFailure = &testError{"injected failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
