// Package queue defines the QueueAdapter contract: a pluggable at-least-once
// message broker used by the Plan Queue Runtime to deliver PlanJob and
// PlanCompletion payloads between the scheduler and its consumers.
//
// Implementations must provide at-least-once delivery semantics: messages
// are redelivered on crash or explicit NACK/Retry, and deduplicated by
// idempotency key within an implementation-defined in-flight window.
package queue

import (
	"context"
	"time"
)

type (
	// Adapter is the broker contract consumed by the Plan Queue Runtime.
	// Implementations must be safe for concurrent use.
	Adapter interface {
		// Enqueue publishes payload onto queue with at-least-once delivery.
		// Messages sharing the same IdempotencyKey within the broker's
		// in-flight window are deduplicated; only one is delivered.
		Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) error

		// Consume registers handler to process messages delivered on
		// queueName. Consume returns once the consumer is registered; message
		// delivery happens on background goroutines until the returned
		// Subscription is closed or ctx is canceled.
		Consume(ctx context.Context, queueName string, handler Handler) (Subscription, error)

		// GetQueueDepth returns the number of messages currently pending
		// delivery (queued or awaiting redelivery) on queueName.
		GetQueueDepth(ctx context.Context, queueName string) (int, error)

		// ListDeadLettered returns up to limit dead-lettered messages for
		// queueName, most recent first. limit <= 0 means no limit.
		ListDeadLettered(ctx context.Context, queueName string, limit int) ([]DeadLetter, error)

		// Close releases resources held by the adapter. In-flight handlers
		// are allowed to finish; Close does not force-cancel them.
		Close(ctx context.Context) error
	}

	// Handler processes a single delivered message. Handlers must call
	// exactly one of Message.Ack, Message.Retry, or Message.DeadLetter
	// before returning; failing to do so leaves the message's delivery
	// outcome implementation-defined (most adapters treat an un-acked
	// message as eligible for redelivery once the handler returns, which
	// is almost never the intended behavior).
	Handler func(ctx context.Context, msg Message) error

	// Message is a single delivered queue message.
	Message interface {
		// ID is the broker-assigned message identifier.
		ID() string
		// Payload is the raw message body as passed to Enqueue.
		Payload() []byte
		// Headers returns the message headers, including "trace-id".
		Headers() map[string]string
		// Attempts is the number of times this message has been delivered,
		// starting at 1 for the first delivery.
		Attempts() int

		// Ack acknowledges successful processing, removing the message from
		// the queue permanently.
		Ack(ctx context.Context) error
		// Retry requests redelivery after an optional delay. A zero delay
		// requests immediate redelivery (see RetryOptions.Delay).
		Retry(ctx context.Context, opts RetryOptions) error
		// DeadLetter moves the message to the dead-letter queue with reason,
		// removing it from the source queue.
		DeadLetter(ctx context.Context, reason string) error
	}

	// Subscription represents an active Consume registration.
	Subscription interface {
		// Close stops delivering new messages to the handler. In-flight
		// handler invocations are allowed to complete.
		Close(ctx context.Context) error
	}

	// EnqueueOptions configures a single Enqueue call.
	EnqueueOptions struct {
		// IdempotencyKey deduplicates Enqueue calls within the broker's
		// in-flight window. The runtime always sets this to
		// "{planId}:{stepId}".
		IdempotencyKey string
		// Headers are attached to the message and returned verbatim by
		// Message.Headers. The runtime always sets "trace-id".
		Headers map[string]string
	}

	// RetryOptions configures a single Message.Retry call.
	RetryOptions struct {
		// Delay is the minimum time before the message is redelivered. Zero
		// requests immediate redelivery (subject to broker scheduling).
		Delay time.Duration
	}

	// DeadLetter describes a single message moved to a queue's dead-letter
	// sink.
	DeadLetter struct {
		Queue     string
		MessageID string
		Payload   []byte
		Headers   map[string]string
		Reason    string
		Attempts  int
		DeadAt    time.Time
	}
)

// Queue names used by the Plan Queue Runtime, per spec.md §6.
const (
	QueuePlanSteps       = "plan.steps"
	QueuePlanCompletions = "plan.completions"
)
