// Package pulse implements queue.Adapter on top of goa.design/pulse's
// Redis-stream consumer groups. It is the production QueueAdapter: Pulse's
// Add/Sink/Ack primitives map directly onto the at-least-once, redelivery,
// and idempotency-window contract queue.Adapter requires.
//
// The layering mirrors the teacher's own Pulse wrapper (a thin client over
// goa.design/pulse/streaming), adapted here to a broker contract instead of
// a one-way event sink: callers build a Redis client, pass it to New, and
// receive a queue.Adapter.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// SinkName identifies the Pulse consumer group used for Consume.
		// Defaults to "planqueue".
		SinkName string
		// OperationTimeout bounds individual Add/Ack operations. Zero means
		// no timeout.
		OperationTimeout time.Duration
	}

	// client exposes the subset of Pulse APIs required by the queue adapter.
	client interface {
		Stream(name string, opts ...streamopts.Stream) (streamHandle, error)
		Close(ctx context.Context) error
	}

	streamHandle interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (sinkHandle, error)
		Destroy(ctx context.Context) error
	}

	sinkHandle interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	pulseClient struct {
		redis  *redis.Client
		maxLen int
		sink   string
		tmo    time.Duration
	}

	pulseStream struct {
		stream *streaming.Stream
		tmo    time.Duration
	}

	pulseSink struct {
		sink *streaming.Sink
	}
)

func newClient(opts Options) (client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	sink := opts.SinkName
	if sink == "" {
		sink = "planqueue"
	}
	return &pulseClient{redis: opts.Redis, maxLen: opts.StreamMaxLen, sink: sink, tmo: opts.OperationTimeout}, nil
}

func (c *pulseClient) Stream(name string, opts ...streamopts.Stream) (streamHandle, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("pulse: create stream %q: %w", name, err)
	}
	return &pulseStream{stream: str, tmo: c.tmo}, nil
}

func (c *pulseClient) Close(context.Context) error { return nil }

func (h *pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.tmo > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.tmo)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse: add: %w", err)
	}
	return id, nil
}

func (h *pulseStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (sinkHandle, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse: new sink %q: %w", name, err)
	}
	return &pulseSink{sink: s}, nil
}

func (h *pulseStream) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (s *pulseSink) Subscribe() <-chan *streaming.Event { return s.sink.Subscribe() }

func (s *pulseSink) Ack(ctx context.Context, evt *streaming.Event) error { return s.sink.Ack(ctx, evt) }

func (s *pulseSink) Close(ctx context.Context) { s.sink.Close(ctx) }
