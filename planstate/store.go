// Package planstate defines the PlanStateStore contract: durable storage for
// live step entries and per-plan scheduling metadata, used to rehydrate the
// Plan Queue Runtime after a crash.
//
// An entry lives in a Store while its step is live: the runtime deletes it
// with ForgetStep once the step reaches a terminal state (spec.md §3,
// PlanStepEntry). A Store does not delete entries on its own; SetState can
// leave an entry in a terminal state, and Sweep reclaims such entries on
// backends that implement it. PlanMetadata exists for the lifetime of a
// plan and is deleted once every step has completed.
package planstate

import (
	"context"
	"errors"
	"time"

	"github.com/agentrt/planqueue/model"
)

// ErrNotFound is returned by Get-style operations when no record exists.
var ErrNotFound = errors.New("planstate: not found")

// Store is the PlanStateStore contract (spec.md §4.7). Implementations must
// be safe for concurrent use.
type Store interface {
	// RememberStep creates or overwrites the live entry for (planID, stepID).
	RememberStep(ctx context.Context, entry model.PlanStepEntry) error

	// GetEntry retrieves the stored entry for (planID, stepID), whatever its
	// state. Returns ErrNotFound if the step was never remembered or has
	// been forgotten.
	GetEntry(ctx context.Context, planID, stepID string) (model.PlanStepEntry, error)

	// SetState updates the state, summary, and output of an existing entry
	// and bumps UpdatedAt. Returns ErrNotFound if no entry exists.
	SetState(ctx context.Context, planID, stepID string, state model.StepState, summary string, output []byte) error

	// RecordApproval records a capability approval decision against an
	// existing entry. Returns ErrNotFound if no entry exists.
	RecordApproval(ctx context.Context, planID, stepID, capability string, approved bool) error

	// ForgetStep deletes the live entry for (planID, stepID). It is not an
	// error to forget a step with no entry.
	ForgetStep(ctx context.Context, planID, stepID string) error

	// ListActiveSteps returns the stored entries across all plans, ordered
	// by CreatedAt ascending. Used by rehydration. The file and postgres
	// backends return every stored entry regardless of its state.
	ListActiveSteps(ctx context.Context) ([]model.PlanStepEntry, error)

	// RememberPlanMetadata creates or overwrites a plan's scheduling record.
	RememberPlanMetadata(ctx context.Context, meta model.PlanMetadata) error

	// GetPlanMetadata retrieves a plan's scheduling record. Returns
	// ErrNotFound if the plan has no metadata (never submitted, or already
	// completed and forgotten).
	GetPlanMetadata(ctx context.Context, planID string) (model.PlanMetadata, error)

	// ForgetPlanMetadata deletes a plan's scheduling record. It is not an
	// error to forget a plan with no metadata.
	ForgetPlanMetadata(ctx context.Context, planID string) error

	// ListPlanMetadata returns every plan's scheduling record, ordered by
	// PlanID. Used by rehydration.
	ListPlanMetadata(ctx context.Context) ([]model.PlanMetadata, error)

	// Sweep deletes terminal-state artifacts older than olderThan
	// (planState.retentionDays from spec.md §6). It is a maintenance
	// operation, not part of the crash-recovery path, and may be a no-op
	// for backends with native TTL support.
	Sweep(ctx context.Context, olderThan time.Time) error

	// Close releases resources held by the store.
	Close(ctx context.Context) error
}
