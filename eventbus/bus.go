// Package eventbus implements the PlanStepEvent publish/subscribe bus
// (spec.md §4.6): a synchronous fan-out bus, in the teacher's hooks.Bus
// style, generalized with bounded per-(planID, stepID) retention and
// structural-equality deduplication so a redelivered step transition
// (crash-recovery replay, duplicate queue delivery) never double-notifies a
// live subscriber.
package eventbus

import (
	"context"
	"reflect"
	"sync"

	"github.com/agentrt/planqueue/model"
)

const defaultRetention = 32

type (
	// Bus publishes PlanStepEvent values to registered subscribers and
	// retains a bounded history per (planID, stepID) for late subscribers
	// and rehydration.
	Bus interface {
		// Publish delivers event to every subscriber registered on its
		// PlanID. If event is structurally equal (every field except
		// OccurredAt) to the most recently retained event for the same
		// (PlanID, StepID), Publish is a no-op: the duplicate is neither
		// retained nor fanned out.
		Publish(ctx context.Context, event model.PlanStepEvent) error

		// Subscribe registers sub for every event published on planID
		// until the returned Subscription is closed.
		Subscribe(planID string, sub Subscriber) (Subscription, error)

		// GetLatest returns the most recently retained event for
		// (planID, stepID) and true, or the zero value and false if no
		// event has been retained.
		GetLatest(planID, stepID string) (model.PlanStepEvent, bool)

		// History returns the retained events for (planID, stepID), oldest
		// first, bounded by the bus's retention window.
		History(planID, stepID string) []model.PlanStepEvent
	}

	// Subscriber reacts to published events. HandleEvent should return an
	// error only when processing must halt publication to later
	// subscribers; Publish stops iterating and returns that error.
	Subscriber interface {
		HandleEvent(ctx context.Context, event model.PlanStepEvent) error
	}

	// SubscriberFunc adapts a plain function to Subscriber.
	SubscriberFunc func(ctx context.Context, event model.PlanStepEvent) error

	// Subscription represents an active Subscribe registration.
	Subscription interface {
		// Close unregisters the subscriber. Idempotent.
		Close() error
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event model.PlanStepEvent) error {
	return f(ctx, event)
}

type stepKey struct {
	planID string
	stepID string
}

type bus struct {
	retention int

	mu   sync.RWMutex
	subs map[string]map[*subscription]Subscriber // planID -> subscription -> subscriber
	hist map[stepKey][]model.PlanStepEvent
}

type subscription struct {
	b      *bus
	planID string
	once   sync.Once
}

// Options configures a Bus.
type Options struct {
	// Retention bounds how many events are kept per (planID, stepID). Zero
	// uses a default of 32.
	Retention int
}

// New constructs an in-memory event bus.
func New(opts Options) Bus {
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &bus{
		retention: retention,
		subs:      make(map[string]map[*subscription]Subscriber),
		hist:      make(map[stepKey][]model.PlanStepEvent),
	}
}

// Publish implements Bus.
func (b *bus) Publish(ctx context.Context, event model.PlanStepEvent) error {
	key := stepKey{event.PlanID, event.StepID}

	b.mu.Lock()
	existing := b.hist[key]
	if len(existing) > 0 && structurallyEqual(existing[len(existing)-1], event) {
		b.mu.Unlock()
		return nil
	}
	existing = append(existing, event)
	if len(existing) > b.retention {
		existing = existing[len(existing)-b.retention:]
	}
	b.hist[key] = existing

	perPlan := b.subs[event.PlanID]
	subs := make([]Subscriber, 0, len(perPlan))
	for _, sub := range perPlan {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *bus) Subscribe(planID string, sub Subscriber) (Subscription, error) {
	s := &subscription{b: b, planID: planID}
	b.mu.Lock()
	perPlan, ok := b.subs[planID]
	if !ok {
		perPlan = make(map[*subscription]Subscriber)
		b.subs[planID] = perPlan
	}
	perPlan[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		if perPlan, ok := s.b.subs[s.planID]; ok {
			delete(perPlan, s)
			if len(perPlan) == 0 {
				delete(s.b.subs, s.planID)
			}
		}
		s.b.mu.Unlock()
	})
	return nil
}

// GetLatest implements Bus.
func (b *bus) GetLatest(planID, stepID string) (model.PlanStepEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.hist[stepKey{planID, stepID}]
	if len(hist) == 0 {
		return model.PlanStepEvent{}, false
	}
	return hist[len(hist)-1], true
}

// History implements Bus.
func (b *bus) History(planID, stepID string) []model.PlanStepEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.hist[stepKey{planID, stepID}]
	out := make([]model.PlanStepEvent, len(hist))
	copy(out, hist)
	return out
}

// structurallyEqual reports whether a and b carry the same event content,
// ignoring OccurredAt: redelivery and rehydration replay naturally produce
// a fresh timestamp for an otherwise identical transition.
func structurallyEqual(a, b model.PlanStepEvent) bool {
	a.OccurredAt = b.OccurredAt
	return reflect.DeepEqual(a, b)
}

var _ Bus = (*bus)(nil)
