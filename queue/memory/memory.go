// Package memory provides an in-memory reference implementation of
// queue.Adapter, suitable for tests, local development, and single-process
// deployments. It implements the full at-least-once contract: idempotency
// deduplication, visibility-timeout redelivery, explicit retry with delay,
// and dead-lettering. It does not persist across process restarts.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/planqueue/queue"
)

// Options configures an Adapter.
type Options struct {
	// VisibilityTimeout bounds how long a delivered, unresolved message is
	// held before being automatically redelivered. Zero uses a 30s default.
	VisibilityTimeout time.Duration
	// IdempotencyWindow bounds how long an IdempotencyKey suppresses
	// duplicate enqueues. Zero uses a 5m default.
	IdempotencyWindow time.Duration
}

// Adapter is an in-memory queue.Adapter.
type Adapter struct {
	visibility time.Duration
	dedupTTL   time.Duration

	mu     sync.Mutex
	queues map[string]*queueState
	closed bool
}

type queueState struct {
	mu         sync.Mutex
	pending    []*message       // messages awaiting first/redelivery
	dedup      map[string]time.Time // idempotency key -> enqueue time
	consumers  []queue.Handler
	nextRR     uint64
	deadLetter []queue.DeadLetter
	depth      int
	stopCh     chan struct{}
}

type message struct {
	id        string
	queueName string
	payload   []byte
	headers   map[string]string
	attempts  int32

	adapter *Adapter

	mu       sync.Mutex
	resolved bool
	timer    *time.Timer
}

// New constructs an empty in-memory Adapter.
func New(opts Options) *Adapter {
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	dedupTTL := opts.IdempotencyWindow
	if dedupTTL <= 0 {
		dedupTTL = 5 * time.Minute
	}
	return &Adapter{
		visibility: visibility,
		dedupTTL:   dedupTTL,
		queues:     make(map[string]*queueState),
	}
}

func (a *Adapter) queue(name string) *queueState {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[name]
	if !ok {
		q = &queueState{dedup: make(map[string]time.Time), stopCh: make(chan struct{})}
		a.queues[name] = q
	}
	return q
}

// Enqueue implements queue.Adapter.
func (a *Adapter) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.EnqueueOptions) error {
	if a.isClosed() {
		return errors.New("queue: adapter closed")
	}
	q := a.queue(queueName)
	now := time.Now()
	q.mu.Lock()
	if opts.IdempotencyKey != "" {
		purgeDedup(q.dedup, now, a.dedupTTL)
		if last, ok := q.dedup[opts.IdempotencyKey]; ok && now.Sub(last) < a.dedupTTL {
			q.mu.Unlock()
			return nil
		}
		q.dedup[opts.IdempotencyKey] = now
	}
	msg := &message{
		id:        uuid.NewString(),
		queueName: queueName,
		payload:   append([]byte(nil), payload...),
		headers:   cloneHeaders(opts.Headers),
		attempts:  0,
		adapter:   a,
	}
	q.pending = append(q.pending, msg)
	q.depth++
	q.mu.Unlock()

	a.dispatch(queueName, q)
	return nil
}

// Consume implements queue.Adapter.
func (a *Adapter) Consume(_ context.Context, queueName string, handler queue.Handler) (queue.Subscription, error) {
	if handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	q := a.queue(queueName)
	q.mu.Lock()
	q.consumers = append(q.consumers, handler)
	idx := len(q.consumers) - 1
	q.mu.Unlock()

	go a.dispatch(queueName, q)

	return &subscription{adapter: a, queueName: queueName, idx: idx}, nil
}

// dispatch hands every pending message to the registered consumers in
// round-robin order, each delivery on its own goroutine. It is safe to call
// redundantly; it is a no-op when there is nothing to deliver or no
// consumer registered.
func (a *Adapter) dispatch(queueName string, q *queueState) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || len(q.consumers) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		handler := q.consumers[q.nextRR%uint64(len(q.consumers))]
		q.nextRR++
		q.mu.Unlock()

		atomic.AddInt32(&msg.attempts, 1)
		msg.armVisibilityTimeout(a.visibility)
		go func() {
			if err := handler(context.Background(), msg); err != nil {
				// Handlers are expected to resolve the message themselves; an
				// error with no resolution is treated as an implicit retry so
				// at-least-once delivery still holds.
				_ = msg.Retry(context.Background(), queue.RetryOptions{})
			}
		}()
	}
}

func (m *message) armVisibilityTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		already := m.resolved
		m.mu.Unlock()
		if already {
			return
		}
		_ = m.Retry(context.Background(), queue.RetryOptions{})
	})
}

func (m *message) resolve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return false
	}
	m.resolved = true
	if m.timer != nil {
		m.timer.Stop()
	}
	return true
}

// ID implements queue.Message.
func (m *message) ID() string { return m.id }

// Payload implements queue.Message.
func (m *message) Payload() []byte { return m.payload }

// Headers implements queue.Message.
func (m *message) Headers() map[string]string { return cloneHeaders(m.headers) }

// Attempts implements queue.Message.
func (m *message) Attempts() int { return int(atomic.LoadInt32(&m.attempts)) }

// Ack implements queue.Message.
func (m *message) Ack(context.Context) error {
	m.resolve()
	q := m.adapter.queue(m.queueName)
	q.mu.Lock()
	q.depth--
	q.mu.Unlock()
	return nil
}

// Retry implements queue.Message.
func (m *message) Retry(_ context.Context, opts queue.RetryOptions) error {
	if !m.resolve() {
		return nil
	}
	q := m.adapter.queue(m.queueName)
	redeliver := func() {
		q.mu.Lock()
		m.mu.Lock()
		m.resolved = false
		m.mu.Unlock()
		q.pending = append(q.pending, m)
		q.mu.Unlock()
		m.adapter.dispatch(m.queueName, q)
	}
	if opts.Delay > 0 {
		time.AfterFunc(opts.Delay, redeliver)
		return nil
	}
	redeliver()
	return nil
}

// DeadLetter implements queue.Message.
func (m *message) DeadLetter(_ context.Context, reason string) error {
	if !m.resolve() {
		return nil
	}
	q := m.adapter.queue(m.queueName)
	q.mu.Lock()
	q.depth--
	q.deadLetter = append(q.deadLetter, queue.DeadLetter{
		Queue:     m.queueName,
		MessageID: m.id,
		Payload:   append([]byte(nil), m.payload...),
		Headers:   cloneHeaders(m.headers),
		Reason:    reason,
		Attempts:  m.Attempts(),
		DeadAt:    time.Now(),
	})
	q.mu.Unlock()
	return nil
}

// GetQueueDepth implements queue.Adapter.
func (a *Adapter) GetQueueDepth(_ context.Context, queueName string) (int, error) {
	q := a.queue(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth, nil
}

// ListDeadLettered implements queue.Adapter.
func (a *Adapter) ListDeadLettered(_ context.Context, queueName string, limit int) ([]queue.DeadLetter, error) {
	q := a.queue(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]queue.DeadLetter(nil), q.deadLetter...)
	// Most recent first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements queue.Adapter.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type subscription struct {
	adapter   *Adapter
	queueName string
	idx       int
}

// Close implements queue.Subscription. The in-memory adapter does not
// support removing an individual consumer mid-stream (consumers are
// identified only by registration order); Close is a best-effort no-op that
// satisfies the interface so callers written against a real broker (where
// unsubscribing matters) compile and run unchanged against this adapter.
func (subscription) Close(context.Context) error { return nil }

func purgeDedup(dedup map[string]time.Time, now time.Time, ttl time.Duration) {
	for k, t := range dedup {
		if now.Sub(t) >= ttl {
			delete(dedup, k)
		}
	}
}

func cloneHeaders(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var (
	_ queue.Adapter = (*Adapter)(nil)
	_ queue.Message = (*message)(nil)
)
