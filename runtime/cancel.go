package runtime

import (
	"context"
	"time"
)

// CancelPlan stops a plan that has not yet reached a terminal state
// (SPEC_FULL.md "Plan cancellation"). It marks every live entry rejected
// with a "canceled: <reason>" summary, deletes the entries and the plan's
// metadata, and publishes one rejected event per canceled step, following
// the same lock/publish/delete choreography as a policy or approval
// rejection.
func (r *Runtime) CancelPlan(ctx context.Context, planID, reason string) error {
	if err := r.requireReady(); err != nil {
		return err
	}

	release := r.locks.acquire(planID)
	defer release()

	meta, err := r.Store.GetPlanMetadata(ctx, planID)
	if err != nil {
		return ErrPlanNotFound
	}

	summary := "canceled: " + reason
	now := time.Now().UTC()

	for _, stepMeta := range meta.Steps {
		key := entryKey(planID, stepMeta.Step.ID)
		entry, loadErr := r.loadEntry(ctx, planID, stepMeta.Step.ID)
		if loadErr != nil {
			continue
		}
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: planID, StepID: stepMeta.Step.ID, State: StateRejected,
			Capability: entry.Step.Capability, CapabilityLabel: entry.Step.CapabilityLabel,
			Labels: entry.Step.Labels, Tool: entry.Step.Tool, TimeoutSeconds: entry.Step.TimeoutSeconds,
			ApprovalRequired: entry.Step.ApprovalRequired, Attempt: entry.Attempt,
			Summary: summary, TraceID: meta.TraceID, OccurredAt: now,
		})
		_ = r.Store.ForgetStep(ctx, planID, stepMeta.Step.ID)
		r.deleteRegistry(key)
		r.deleteApprovals(key)
	}

	_ = r.Store.ForgetPlanMetadata(ctx, planID)
	r.pruneSubject(planID)
	r.recordAudit(ctx, planID, "", "plan.canceled", map[string]string{"reason": reason})

	return nil
}
