package runtime

import (
	"context"
	"fmt"
	"time"
)

// SubmitPlan persists subject (replacing any prior value for planID),
// persists plan metadata with every step positioned for release, and
// releases the first eligible step(s) (spec.md §4.1).
func (r *Runtime) SubmitPlan(ctx context.Context, plan Plan, traceID string, subject *PlanSubject) error {
	if err := r.requireReady(); err != nil {
		return err
	}
	if err := validatePlan(plan); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, err)
	}

	release := r.locks.acquire(plan.ID)
	defer release()

	if _, err := r.Store.GetPlanMetadata(ctx, plan.ID); err == nil {
		return fmt.Errorf("%w: plan %s already active", ErrDuplicatePlan, plan.ID)
	}

	now := time.Now().UTC()
	steps := make([]PlanStepMetadataEntry, len(plan.Steps))
	for i, step := range plan.Steps {
		steps[i] = PlanStepMetadataEntry{
			Step:      step.Clone(),
			Attempt:   0,
			CreatedAt: now,
			Subject:   subject.Clone(),
		}
	}
	meta := PlanMetadata{
		PlanID:             plan.ID,
		TraceID:            traceID,
		Steps:              steps,
		NextStepIndex:      0,
		LastCompletedIndex: -1,
	}

	r.setSubject(plan.ID, subject)

	if err := r.Store.RememberPlanMetadata(ctx, meta); err != nil {
		return fmt.Errorf("%w: %s", ErrPersistence, err)
	}

	r.recordAudit(ctx, plan.ID, "", "plan.submitted", map[string]any{"trace_id": traceID, "steps": len(plan.Steps)})

	return r.releaseNextLocked(ctx, plan.ID)
}

func validatePlan(plan Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", plan.ID)
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.ID == "" {
			return fmt.Errorf("plan %s has a step with an empty id", plan.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("plan %s has duplicate step id %s", plan.ID, step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}
