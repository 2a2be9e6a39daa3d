package runtime

import (
	"context"
	"fmt"
)

// advanceAndRelease records stepID as the completed step at its index,
// advances PlanMetadata under planID's lock, and calls releaseNextLocked so
// the next eligible step (if any) is released in the same critical section
// (spec.md §4.4 step 10, §4.5 step 3, §5 "CompletionConsumer takes the same
// per-plan lock").
func (r *Runtime) advanceAndRelease(ctx context.Context, planID, stepID string) error {
	release := r.locks.acquire(planID)
	defer release()

	meta, err := r.Store.GetPlanMetadata(ctx, planID)
	if err != nil {
		return nil
	}

	if idx, ok := findStepIndex(meta, stepID); ok {
		if idx > meta.LastCompletedIndex {
			meta.LastCompletedIndex = idx
		}
		if meta.NextStepIndex < idx+1 {
			meta.NextStepIndex = idx + 1
		}
		if meta.LastCompletedIndex == len(meta.Steps)-1 {
			_ = r.Store.ForgetPlanMetadata(ctx, planID)
			r.pruneSubject(planID)
			r.recordAudit(ctx, planID, "", "plan.completed", nil)
			return nil
		}
		if err := r.Store.RememberPlanMetadata(ctx, meta); err != nil {
			return fmt.Errorf("%w: %s", ErrPersistence, err)
		}
	}

	return r.releaseNextLocked(ctx, planID)
}

func findStepIndex(meta PlanMetadata, stepID string) (int, bool) {
	for i, s := range meta.Steps {
		if s.Step.ID == stepID {
			return i, true
		}
	}
	return 0, false
}
