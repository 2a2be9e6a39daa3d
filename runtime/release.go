package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrt/planqueue/policy"
	"github.com/agentrt/planqueue/queue"
)

// ReleaseNext is the single choke point that decides which step of planID
// enters the queue next (spec.md §4.2). It acquires the per-plan lock
// itself; callers that already hold the lock (SubmitPlan, ResolveApproval,
// the consumers advancing LastCompletedIndex) must call releaseNextLocked
// instead.
func (r *Runtime) ReleaseNext(ctx context.Context, planID string) error {
	release := r.locks.acquire(planID)
	defer release()
	return r.releaseNextLocked(ctx, planID)
}

// releaseNextLocked implements the algorithm of spec.md §4.2. The caller
// must already hold planID's lock.
func (r *Runtime) releaseNextLocked(ctx context.Context, planID string) error {
	meta, err := r.Store.GetPlanMetadata(ctx, planID)
	if err != nil {
		// Absent metadata means the plan already completed and was
		// forgotten; any other store error surfaces here too, since
		// there is no event to publish against a planID with no
		// scheduling record to scope it to.
		return nil
	}

	for meta.NextStepIndex < len(meta.Steps) && meta.NextStepIndex <= meta.LastCompletedIndex+1 {
		idx := meta.NextStepIndex
		stepMeta := meta.Steps[idx]
		step := stepMeta.Step
		key := entryKey(planID, step.ID)

		if existing, err := r.loadEntry(ctx, planID, step.ID); err == nil {
			switch existing.State {
			case StateQueued, StateRunning, StateRetrying:
				return nil
			}
		}

		approvals := r.approvalsFor(key)
		if approvals == nil {
			if existing, err := r.loadEntry(ctx, planID, step.ID); err == nil {
				approvals = cloneBoolMap(existing.Approvals)
				r.rememberApprovalsFromStore(key, existing)
			}
		}

		subject := stepMeta.Subject

		decision, err := r.Policy.EnforcePlanStep(ctx, step, subject)
		if err != nil {
			return fmt.Errorf("%w: policy enforcement: %s", ErrPersistence, err)
		}
		if !decision.Allowed && decision.DenyReason != policy.DenyReasonApprovalRequired {
			r.publishEvent(ctx, PlanStepEvent{
				PlanID: planID, StepID: step.ID, State: StateRejected,
				Capability: step.Capability, CapabilityLabel: step.CapabilityLabel,
				Labels: step.Labels, Tool: step.Tool, TimeoutSeconds: step.TimeoutSeconds,
				ApprovalRequired: step.ApprovalRequired, Attempt: stepMeta.Attempt,
				Summary: "denied by policy: " + decision.DenyReason, TraceID: meta.TraceID,
				OccurredAt: time.Now().UTC(),
			})
			r.recordAudit(ctx, planID, step.ID, "policy.denied", decision)
			_ = r.Store.ForgetStep(ctx, planID, step.ID)
			r.deleteRegistry(key)
			r.deleteApprovals(key)
			r.pruneSubject(planID)
			return fmt.Errorf("%w: %s", ErrPolicyDenied, decision.DenyReason)
		}

		requiresApproval := (step.ApprovalRequired || (!decision.Allowed && decision.DenyReason == policy.DenyReasonApprovalRequired)) &&
			!approvals[step.Capability]

		if requiresApproval {
			entry := PlanStepEntry{
				PlanID: planID, StepID: step.ID, Step: step.Clone(), TraceID: meta.TraceID,
				State: StateWaitingApproval, Attempt: stepMeta.Attempt,
				CreatedAt: stepMeta.CreatedAt, UpdatedAt: time.Now().UTC(),
				Approvals: approvals, Subject: subject.Clone(),
			}
			if err := r.Store.RememberStep(ctx, entry); err != nil {
				return fmt.Errorf("%w: %s", ErrPersistence, err)
			}
			r.checkoutRegistry(key, entry)
			r.rememberApprovalsFromStore(key, entry)
			r.publishEvent(ctx, eventFromEntry(entry))
			break
		}

		entry := PlanStepEntry{
			PlanID: planID, StepID: step.ID, Step: step.Clone(), TraceID: meta.TraceID,
			State: StateQueued, Attempt: stepMeta.Attempt,
			CreatedAt: stepMeta.CreatedAt, UpdatedAt: time.Now().UTC(),
			Approvals: approvals, Subject: subject.Clone(),
		}
		if err := r.Store.RememberStep(ctx, entry); err != nil {
			return fmt.Errorf("%w: %s", ErrPersistence, err)
		}
		r.checkoutRegistry(key, entry)
		r.rememberApprovalsFromStore(key, entry)

		job := PlanJob{
			PlanID: planID, Step: step.Clone(), Attempt: stepMeta.Attempt,
			CreatedAt: time.Now().UTC(), TraceID: meta.TraceID, Subject: subject.Clone(),
		}
		payload, err := encodeJob(job)
		if err != nil {
			return fmt.Errorf("%w: encode job: %s", ErrEnqueue, err)
		}
		enqueueErr := r.Queue.Enqueue(ctx, queue.QueuePlanSteps, payload, queue.EnqueueOptions{
			IdempotencyKey: key,
			Headers:        map[string]string{"trace-id": meta.TraceID},
		})
		if enqueueErr != nil {
			r.publishEvent(ctx, PlanStepEvent{
				PlanID: planID, StepID: step.ID, State: StateFailed,
				Capability: step.Capability, CapabilityLabel: step.CapabilityLabel,
				Labels: step.Labels, Tool: step.Tool, TimeoutSeconds: step.TimeoutSeconds,
				ApprovalRequired: step.ApprovalRequired, Attempt: stepMeta.Attempt,
				Summary: "enqueue failed: " + enqueueErr.Error(), TraceID: meta.TraceID,
				OccurredAt: time.Now().UTC(),
			})
			_ = r.Store.ForgetStep(ctx, planID, step.ID)
			r.deleteRegistry(key)
			r.deleteApprovals(key)
			r.pruneSubject(planID)
			return fmt.Errorf("%w: %s", ErrEnqueue, enqueueErr)
		}
		r.publishEvent(ctx, eventFromEntry(entry))

		meta.NextStepIndex++
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
	return nil
}
