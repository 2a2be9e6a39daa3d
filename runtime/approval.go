package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrt/planqueue/policy"
)

// ResolveApproval records a human decision for a step waiting on approval
// (spec.md §4.3). Approvals never enqueue directly; they unblock
// releaseNextLocked so a single code path owns every enqueue.
func (r *Runtime) ResolveApproval(ctx context.Context, planID, stepID string, decision ApprovalDecision, summary string) error {
	if err := r.requireReady(); err != nil {
		return err
	}

	release := r.locks.acquire(planID)
	defer release()

	key := entryKey(planID, stepID)

	entry, ok := r.peekRegistry(key)
	var snapshot PlanStepEntry
	if ok {
		snapshot = entry.entry
	} else {
		loaded, err := r.loadEntry(ctx, planID, stepID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrStepUnavailable, err)
		}
		snapshot = loaded
		r.checkoutRegistry(key, snapshot)
		r.rememberApprovalsFromStore(key, snapshot)
	}

	if !decision.IsApproved() {
		rejectSummary := summary
		if rejectSummary == "" {
			rejectSummary = decision.Rationale
		}
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: planID, StepID: stepID, State: StateRejected,
			Capability: snapshot.Step.Capability, CapabilityLabel: snapshot.Step.CapabilityLabel,
			Labels: snapshot.Step.Labels, Tool: snapshot.Step.Tool, TimeoutSeconds: snapshot.Step.TimeoutSeconds,
			ApprovalRequired: snapshot.Step.ApprovalRequired, Attempt: snapshot.Attempt,
			Summary: rejectSummary, TraceID: snapshot.TraceID, OccurredAt: time.Now().UTC(),
		})
		r.recordAudit(ctx, planID, stepID, "approval.rejected", map[string]string{"rationale": decision.Rationale})
		_ = r.Store.ForgetStep(ctx, planID, stepID)
		r.deleteRegistry(key)
		r.deleteApprovals(key)
		r.pruneSubject(planID)
		return nil
	}

	approvals := cloneBoolMap(r.approvalsFor(key))
	if approvals == nil {
		approvals = make(map[string]bool, 1)
	}
	approvals[snapshot.Step.Capability] = true

	decisionResult, err := r.Policy.EnforcePlanStep(ctx, snapshot.Step, snapshot.Subject)
	if err != nil {
		return fmt.Errorf("%w: policy enforcement: %s", ErrPersistence, err)
	}
	if !decisionResult.Allowed && decisionResult.DenyReason != policy.DenyReasonApprovalRequired {
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: planID, StepID: stepID, State: StateRejected,
			Capability: snapshot.Step.Capability, CapabilityLabel: snapshot.Step.CapabilityLabel,
			Labels: snapshot.Step.Labels, Tool: snapshot.Step.Tool, TimeoutSeconds: snapshot.Step.TimeoutSeconds,
			ApprovalRequired: snapshot.Step.ApprovalRequired, Attempt: snapshot.Attempt,
			Summary: "denied by policy: " + decisionResult.DenyReason, TraceID: snapshot.TraceID,
			OccurredAt: time.Now().UTC(),
		})
		r.recordAudit(ctx, planID, stepID, "policy.denied", decisionResult)
		_ = r.Store.ForgetStep(ctx, planID, stepID)
		r.deleteRegistry(key)
		r.deleteApprovals(key)
		r.pruneSubject(planID)
		return fmt.Errorf("%w: %s", ErrPolicyDenied, decisionResult.DenyReason)
	}

	snapshot.Approvals = approvals
	snapshot.UpdatedAt = time.Now().UTC()
	if err := r.Store.RememberStep(ctx, snapshot); err != nil {
		return fmt.Errorf("%w: %s", ErrPersistence, err)
	}
	r.checkoutRegistry(key, snapshot)
	r.rememberApprovalsFromStore(key, snapshot)

	r.publishEvent(ctx, PlanStepEvent{
		PlanID: planID, StepID: stepID, State: StateApproved,
		Capability: snapshot.Step.Capability, CapabilityLabel: snapshot.Step.CapabilityLabel,
		Labels: snapshot.Step.Labels, Tool: snapshot.Step.Tool, TimeoutSeconds: snapshot.Step.TimeoutSeconds,
		ApprovalRequired: snapshot.Step.ApprovalRequired, Attempt: snapshot.Attempt,
		Summary: summary, Approvals: cloneBoolMap(approvals), TraceID: snapshot.TraceID,
		OccurredAt: time.Now().UTC(),
	})
	r.recordAudit(ctx, planID, stepID, "approval.approved", map[string]string{"capability": snapshot.Step.Capability})

	return r.releaseNextLocked(ctx, planID)
}
