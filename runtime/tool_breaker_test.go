package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/planqueue/toolagent"
)

type fakeToolAgent struct {
	calls   atomic.Int32
	execute func(calls int32) (toolagent.Result, error)
}

func (f *fakeToolAgent) ExecuteTool(context.Context, toolagent.Request) (toolagent.Result, error) {
	n := f.calls.Add(1)
	return f.execute(n)
}

func TestBreakerClient_PassesThroughSuccess(t *testing.T) {
	t.Parallel()

	fake := &fakeToolAgent{execute: func(int32) (toolagent.Result, error) {
		return toolagent.Result{Outcome: toolagent.OutcomeCompleted, Summary: "ok"}, nil
	}}
	client := NewBreakerToolAgent(fake)

	result, err := client.ExecuteTool(context.Background(), toolagent.Request{})
	require.NoError(t, err)
	require.Equal(t, toolagent.OutcomeCompleted, result.Outcome)
}

func TestBreakerClient_NonRetryableErrorDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	fake := &fakeToolAgent{execute: func(int32) (toolagent.Result, error) {
		return toolagent.Result{Outcome: toolagent.OutcomeError, Retryable: false, Summary: "bad input"}, nil
	}}
	client := NewBreakerToolAgent(fake)

	for i := 0; i < 10; i++ {
		result, err := client.ExecuteTool(context.Background(), toolagent.Request{})
		require.NoError(t, err)
		require.Equal(t, toolagent.OutcomeError, result.Outcome)
		require.False(t, result.Retryable)
	}
	// A non-retryable result never counts as a breaker failure, so every
	// call above should have reached the wrapped client.
	require.EqualValues(t, 10, fake.calls.Load())
}

func TestBreakerClient_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeToolAgent{execute: func(int32) (toolagent.Result, error) {
		return toolagent.Result{}, errors.New("transport exploded")
	}}
	client := NewBreakerToolAgent(fake)

	for i := 0; i < 5; i++ {
		_, err := client.ExecuteTool(context.Background(), toolagent.Request{})
		require.Error(t, err)
	}

	// The breaker should now be open: the next call is rejected without
	// reaching the wrapped client.
	before := fake.calls.Load()
	result, err := client.ExecuteTool(context.Background(), toolagent.Request{})
	require.ErrorIs(t, err, ErrToolAgentUnavailable)
	require.True(t, result.Retryable)
	require.Equal(t, before, fake.calls.Load())
}
