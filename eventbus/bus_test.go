package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/planqueue/model"
)

func TestBus_PublishFansOutToSubscribersOnSamePlan(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	received := make(chan model.PlanStepEvent, 1)
	_, err := b.Subscribe("plan-1", SubscriberFunc(func(_ context.Context, event model.PlanStepEvent) error {
		received <- event
		return nil
	}))
	require.NoError(t, err)

	event := model.PlanStepEvent{PlanID: "plan-1", StepID: "step-1", State: model.StateQueued, OccurredAt: time.Now()}
	require.NoError(t, b.Publish(context.Background(), event))

	select {
	case got := <-received:
		require.Equal(t, event, got)
	default:
		t.Fatal("subscriber was not notified")
	}
}

func TestBus_PublishDoesNotNotifySubscribersOnOtherPlans(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	received := make(chan model.PlanStepEvent, 1)
	_, err := b.Subscribe("plan-other", SubscriberFunc(func(_ context.Context, event model.PlanStepEvent) error {
		received <- event
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), model.PlanStepEvent{PlanID: "plan-1", StepID: "step-1"}))

	select {
	case <-received:
		t.Fatal("subscriber on a different plan must not be notified")
	default:
	}
}

func TestBus_GetLatestAndHistory(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	first := model.PlanStepEvent{PlanID: "p", StepID: "s", State: model.StateQueued, OccurredAt: time.Now()}
	second := model.PlanStepEvent{PlanID: "p", StepID: "s", State: model.StateRunning, OccurredAt: time.Now()}

	_, ok := b.GetLatest("p", "s")
	require.False(t, ok)

	require.NoError(t, b.Publish(context.Background(), first))
	require.NoError(t, b.Publish(context.Background(), second))

	latest, ok := b.GetLatest("p", "s")
	require.True(t, ok)
	require.Equal(t, second, latest)

	hist := b.History("p", "s")
	require.Equal(t, []model.PlanStepEvent{first, second}, hist)
}

func TestBus_HistoryIsBoundedByRetention(t *testing.T) {
	t.Parallel()

	b := New(Options{Retention: 3})
	for i := 0; i < 10; i++ {
		event := model.PlanStepEvent{
			PlanID: "p", StepID: "s", State: model.StateRetrying, Attempt: i, OccurredAt: time.Now(),
		}
		require.NoError(t, b.Publish(context.Background(), event))
	}

	hist := b.History("p", "s")
	require.Len(t, hist, 3)
	require.Equal(t, 7, hist[0].Attempt)
	require.Equal(t, 9, hist[2].Attempt)
}

func TestBus_CloseUnsubscribesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	var calls int
	sub, err := b.Subscribe("p", SubscriberFunc(func(context.Context, model.PlanStepEvent) error {
		calls++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, b.Publish(context.Background(), model.PlanStepEvent{PlanID: "p", StepID: "s"}))
	require.Zero(t, calls)
}

// TestBus_DuplicatePublishProperty exercises testable property 7: two
// consecutive publishes with identical content (everything but OccurredAt)
// produce exactly one retained event and exactly one subscriber
// notification.
func TestBus_DuplicatePublishProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("structurally identical consecutive publishes dedup to one retained event", prop.ForAll(
		func(planID, stepID, summary string, rawAttempt int) bool {
			attempt := rawAttempt % 11
			if attempt < 0 {
				attempt = -attempt
			}
			b := New(Options{})
			var notifications int
			_, err := b.Subscribe(planID, SubscriberFunc(func(context.Context, model.PlanStepEvent) error {
				notifications++
				return nil
			}))
			if err != nil {
				return false
			}

			base := model.PlanStepEvent{
				PlanID: planID, StepID: stepID, State: model.StateRunning,
				Summary: summary, Attempt: attempt, OccurredAt: time.Now(),
			}
			duplicate := base
			duplicate.OccurredAt = base.OccurredAt.Add(time.Second)

			if err := b.Publish(context.Background(), base); err != nil {
				return false
			}
			if err := b.Publish(context.Background(), duplicate); err != nil {
				return false
			}

			hist := b.History(planID, stepID)
			return len(hist) == 1 && notifications == 1
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int(),
	))

	properties.TestingRun(t)
}

func TestBus_NonIdenticalPublishesAreBothRetained(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	base := model.PlanStepEvent{PlanID: "p", StepID: "s", State: model.StateRunning, Summary: "a", OccurredAt: time.Now()}
	changed := base
	changed.Summary = "b"
	changed.OccurredAt = base.OccurredAt.Add(time.Second)

	require.NoError(t, b.Publish(context.Background(), base))
	require.NoError(t, b.Publish(context.Background(), changed))

	hist := b.History("p", "s")
	require.Len(t, hist, 2)
}

func TestBus_SubscriberErrorHaltsFanoutAndPropagates(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	boom := fmt.Errorf("handler exploded")
	_, err := b.Subscribe("p", SubscriberFunc(func(context.Context, model.PlanStepEvent) error {
		return boom
	}))
	require.NoError(t, err)

	err = b.Publish(context.Background(), model.PlanStepEvent{PlanID: "p", StepID: "s", OccurredAt: time.Now()})
	require.ErrorIs(t, err, boom)
}
