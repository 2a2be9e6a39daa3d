// Package memory provides an in-memory planstate.Store for tests and local
// development. It holds entries and plan metadata in maps with no
// persistence across process restarts, defensively cloning every record on
// read and write.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentrt/planqueue/planstate"
	"github.com/agentrt/planqueue/model"
)

type entryKey struct {
	planID string
	stepID string
}

// Store implements planstate.Store in memory.
type Store struct {
	mu       sync.RWMutex
	entries  map[entryKey]model.PlanStepEntry
	metadata map[string]model.PlanMetadata
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries:  make(map[entryKey]model.PlanStepEntry),
		metadata: make(map[string]model.PlanMetadata),
	}
}

// RememberStep implements planstate.Store.
func (s *Store) RememberStep(_ context.Context, entry model.PlanStepEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.UpdatedAt = time.Now()
	s.entries[entryKey{entry.PlanID, entry.StepID}] = cloneEntry(entry)
	return nil
}

// GetEntry implements planstate.Store.
func (s *Store) GetEntry(_ context.Context, planID, stepID string) (model.PlanStepEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey{planID, stepID}]
	if !ok {
		return model.PlanStepEntry{}, planstate.ErrNotFound
	}
	return cloneEntry(e), nil
}

// SetState implements planstate.Store.
func (s *Store) SetState(_ context.Context, planID, stepID string, state model.StepState, summary string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{planID, stepID}
	e, ok := s.entries[key]
	if !ok {
		return planstate.ErrNotFound
	}
	e.State = state
	e.Summary = summary
	if output != nil {
		e.Output = append([]byte(nil), output...)
	}
	e.UpdatedAt = time.Now()
	s.entries[key] = e
	return nil
}

// RecordApproval implements planstate.Store.
func (s *Store) RecordApproval(_ context.Context, planID, stepID, capability string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{planID, stepID}
	e, ok := s.entries[key]
	if !ok {
		return planstate.ErrNotFound
	}
	if e.Approvals == nil {
		e.Approvals = make(map[string]bool)
	}
	e.Approvals[capability] = approved
	e.UpdatedAt = time.Now()
	s.entries[key] = e
	return nil
}

// ForgetStep implements planstate.Store.
func (s *Store) ForgetStep(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey{planID, stepID})
	return nil
}

// ListActiveSteps implements planstate.Store.
func (s *Store) ListActiveSteps(context.Context) ([]model.PlanStepEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PlanStepEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RememberPlanMetadata implements planstate.Store.
func (s *Store) RememberPlanMetadata(_ context.Context, meta model.PlanMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.PlanID] = cloneMetadata(meta)
	return nil
}

// GetPlanMetadata implements planstate.Store.
func (s *Store) GetPlanMetadata(_ context.Context, planID string) (model.PlanMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[planID]
	if !ok {
		return model.PlanMetadata{}, planstate.ErrNotFound
	}
	return cloneMetadata(m), nil
}

// ForgetPlanMetadata implements planstate.Store.
func (s *Store) ForgetPlanMetadata(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, planID)
	return nil
}

// ListPlanMetadata implements planstate.Store.
func (s *Store) ListPlanMetadata(context.Context) ([]model.PlanMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PlanMetadata, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, cloneMetadata(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

// Sweep implements planstate.Store. Terminal entries are already deleted
// immediately (ForgetStep) so there is nothing to sweep for entries; Sweep
// only exists here to satisfy the interface for a backend that, unlike a
// relational store, never accumulates terminal rows in the first place.
func (s *Store) Sweep(context.Context, time.Time) error { return nil }

// Close implements planstate.Store.
func (s *Store) Close(context.Context) error { return nil }

func cloneEntry(e model.PlanStepEntry) model.PlanStepEntry {
	clone := e
	clone.Step = e.Step.Clone()
	clone.Subject = e.Subject.Clone()
	if e.Output != nil {
		clone.Output = append([]byte(nil), e.Output...)
	}
	if e.Approvals != nil {
		clone.Approvals = make(map[string]bool, len(e.Approvals))
		for k, v := range e.Approvals {
			clone.Approvals[k] = v
		}
	}
	return clone
}

func cloneMetadata(m model.PlanMetadata) model.PlanMetadata {
	clone := m
	clone.Steps = make([]model.PlanStepMetadataEntry, len(m.Steps))
	for i, s := range m.Steps {
		clone.Steps[i] = model.PlanStepMetadataEntry{
			Step:      s.Step.Clone(),
			Attempt:   s.Attempt,
			CreatedAt: s.CreatedAt,
			Subject:   s.Subject.Clone(),
		}
	}
	return clone
}

var _ planstate.Store = (*Store)(nil)
