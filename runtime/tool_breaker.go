package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentrt/planqueue/toolagent"
)

// ErrToolAgentUnavailable is returned by a breakerClient when the circuit is
// open: the tool agent has failed repeatedly and further calls are rejected
// without dispatch, giving the step consumer a fast terminal-or-retryable
// classification instead of a long run of per-step timeouts.
var ErrToolAgentUnavailable = errors.New("planqueue: tool agent unavailable (circuit open)")

// breakerClient wraps a toolagent.Client with a circuit breaker so a
// misbehaving or unreachable tool agent cannot stall every in-flight step
// one timeout at a time.
type breakerClient struct {
	next    toolagent.Client
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerToolAgent wraps next in a circuit breaker using sensible
// defaults: trip after 5 consecutive failures, half-open after 30s.
func NewBreakerToolAgent(next toolagent.Client) toolagent.Client {
	return &breakerClient{
		next: next,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tool-agent",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// ExecuteTool implements toolagent.Client.
func (b *breakerClient) ExecuteTool(ctx context.Context, request toolagent.Request) (toolagent.Result, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		res, err := b.next.ExecuteTool(ctx, request)
		if err != nil {
			return toolagent.Result{}, err
		}
		if res.Outcome == toolagent.OutcomeError && !res.Retryable {
			// A non-retryable tool error is a correctly classified
			// terminal outcome, not a tool-agent malfunction; don't let
			// it count against the breaker.
			return res, nil
		}
		if res.Outcome == toolagent.OutcomeError {
			return res, errToolFailed
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return toolagent.Result{Outcome: toolagent.OutcomeError, Retryable: true}, ErrToolAgentUnavailable
		}
		if errors.Is(err, errToolFailed) {
			return result.(toolagent.Result), nil
		}
		return toolagent.Result{}, err
	}
	return result.(toolagent.Result), nil
}

// errToolFailed is a private sentinel used only to route a retryable
// toolagent.Result through the breaker's failure counter without losing the
// original Result value.
var errToolFailed = errors.New("planqueue: tool execution reported a retryable error")

var _ toolagent.Client = (*breakerClient)(nil)
