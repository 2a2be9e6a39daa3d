package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrt/planqueue/policy"
	"github.com/agentrt/planqueue/queue"
	"github.com/agentrt/planqueue/toolagent"
)

// handleStepMessage is the StepConsumer handler registered on plan.steps
// (spec.md §4.4). Every delivery ends in exactly one of Ack, Retry, or
// DeadLetter, or an error is returned uncalled so the broker's own
// redelivery semantics apply (state-store failures are never acked).
func (r *Runtime) handleStepMessage(ctx context.Context, msg queue.Message) error {
	job, err := decodeJob(msg.Payload())
	if err != nil {
		return msg.DeadLetter(ctx, "undecodable payload: "+err.Error())
	}

	attempt := job.Attempt
	if d := msg.Attempts(); d > attempt {
		attempt = d
	}

	ctx, span := r.tracer.Start(ctx, "planqueue.step", trace.WithAttributes(
		attribute.String("queue", queue.QueuePlanSteps),
		attribute.String("plan.id", job.PlanID),
		attribute.String("plan.step_id", job.Step.ID),
		attribute.String("trace.id", job.TraceID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	key := entryKey(job.PlanID, job.Step.ID)
	re := r.checkoutRegistry(key, PlanStepEntry{
		PlanID: job.PlanID, StepID: job.Step.ID, Step: job.Step, TraceID: job.TraceID,
		State: StateQueued, Attempt: attempt, CreatedAt: job.CreatedAt, UpdatedAt: time.Now().UTC(),
		Subject: job.Subject,
	})

	re.mu.Lock()
	if re.inFlight && re.entry.Attempt >= attempt {
		re.mu.Unlock()
		return msg.Ack(ctx)
	}
	re.inFlight = true
	re.mu.Unlock()
	defer func() {
		re.mu.Lock()
		re.inFlight = false
		re.mu.Unlock()
	}()

	meta, metaErr := r.Store.GetPlanMetadata(ctx, job.PlanID)
	if metaErr != nil {
		r.recordAudit(ctx, job.PlanID, job.Step.ID, "step.completed", nil)
		return msg.Ack(ctx)
	}
	if idx, ok := findStepIndex(meta, job.Step.ID); !ok || idx <= meta.LastCompletedIndex {
		r.recordAudit(ctx, job.PlanID, job.Step.ID, "step.completed", nil)
		return msg.Ack(ctx)
	}

	existing, loadErr := r.loadEntry(ctx, job.PlanID, job.Step.ID)
	if loadErr == nil && existing.State == StateRunning && existing.Attempt >= attempt {
		return msg.Ack(ctx)
	}

	createdAt := job.CreatedAt
	if loadErr == nil {
		createdAt = existing.CreatedAt
	}
	approvals := r.approvalsFor(key)

	runningEntry := PlanStepEntry{
		PlanID: job.PlanID, StepID: job.Step.ID, Step: job.Step, TraceID: job.TraceID,
		State: StateRunning, Attempt: attempt, CreatedAt: createdAt, UpdatedAt: time.Now().UTC(),
		Approvals: approvals, Subject: job.Subject,
	}
	if err := r.Store.RememberStep(ctx, runningEntry); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %s", ErrPersistence, err)
	}
	r.updateRegistry(key, runningEntry)
	r.publishEvent(ctx, eventFromEntry(runningEntry))

	decision, err := r.Policy.EnforcePlanStep(ctx, job.Step, job.Subject)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: policy enforcement: %s", ErrPersistence, err)
	}
	approvedGate := decision.DenyReason == policy.DenyReasonApprovalRequired && approvals[job.Step.Capability]
	if !decision.Allowed && !approvedGate {
		r.metrics.IncCounter("planqueue.step.rejected", 1, "tool", job.Step.Tool)
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: job.PlanID, StepID: job.Step.ID, State: StateRejected,
			Capability: job.Step.Capability, CapabilityLabel: job.Step.CapabilityLabel,
			Labels: job.Step.Labels, Tool: job.Step.Tool, TimeoutSeconds: job.Step.TimeoutSeconds,
			ApprovalRequired: job.Step.ApprovalRequired, Attempt: attempt,
			Summary: "denied by policy: " + decision.DenyReason, TraceID: job.TraceID,
			OccurredAt: time.Now().UTC(),
		})
		r.recordAudit(ctx, job.PlanID, job.Step.ID, "policy.denied", decision)
		_ = r.Store.ForgetStep(ctx, job.PlanID, job.Step.ID)
		r.deleteRegistry(key)
		r.deleteApprovals(key)
		r.pruneSubject(job.PlanID)
		return msg.Ack(ctx)
	}

	inputJSON, err := json.Marshal(job.Step.Input)
	if err != nil {
		inputJSON = json.RawMessage("{}")
	}
	toolCtx := ctx
	if job.Step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, time.Duration(job.Step.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	result, execErr := r.ToolAgent.ExecuteTool(toolCtx, toolagent.Request{
		PlanID: job.PlanID, StepID: job.Step.ID, Tool: job.Step.Tool, Capability: job.Step.Capability,
		Input: inputJSON, Attempt: attempt, TraceID: job.TraceID,
		TimeoutMS: int64(job.Step.TimeoutSeconds) * 1000,
	})

	if execErr == nil && result.Outcome == toolagent.OutcomeCompleted {
		span.SetStatus(codes.Ok, "")
		r.metrics.IncCounter("planqueue.step.completed", 1, "tool", job.Step.Tool)
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: job.PlanID, StepID: job.Step.ID, State: StateCompleted,
			Capability: job.Step.Capability, CapabilityLabel: job.Step.CapabilityLabel,
			Labels: job.Step.Labels, Tool: job.Step.Tool, TimeoutSeconds: job.Step.TimeoutSeconds,
			ApprovalRequired: job.Step.ApprovalRequired, Attempt: attempt,
			Summary: result.Summary, Output: result.Output, TraceID: job.TraceID,
			OccurredAt: time.Now().UTC(),
		})
		_ = r.Store.ForgetStep(ctx, job.PlanID, job.Step.ID)
		r.deleteRegistry(key)
		r.deleteApprovals(key)
		r.pruneSubject(job.PlanID)
		if err := msg.Ack(ctx); err != nil {
			return err
		}
		return r.advanceAndRelease(ctx, job.PlanID, job.Step.ID)
	}

	retryable := (execErr != nil && !errors.Is(execErr, toolagent.ErrInvalidResponse)) || result.Retryable
	span.RecordError(execErr)

	if retryable && attempt < r.cfg.RetryMax {
		delay := computeBackoff(r.cfg.RetryBackoff, attempt, r.cfg.RetryBackoffCap)
		if result.RetryAfter > 0 {
			delay = result.RetryAfter
		}
		nextAttempt := attempt + 1
		r.metrics.IncCounter("planqueue.step.retry", 1, "tool", job.Step.Tool)
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: job.PlanID, StepID: job.Step.ID, State: StateRetrying,
			Capability: job.Step.Capability, CapabilityLabel: job.Step.CapabilityLabel,
			Labels: job.Step.Labels, Tool: job.Step.Tool, TimeoutSeconds: job.Step.TimeoutSeconds,
			ApprovalRequired: job.Step.ApprovalRequired, Attempt: attempt,
			Summary: summaryOf(result, execErr), TraceID: job.TraceID, OccurredAt: time.Now().UTC(),
		})
		if err := msg.Retry(ctx, queue.RetryOptions{Delay: delay}); err != nil {
			return err
		}
		queuedEntry := runningEntry
		queuedEntry.State = StateQueued
		queuedEntry.Attempt = nextAttempt
		queuedEntry.UpdatedAt = time.Now().UTC()
		if err := r.Store.RememberStep(ctx, queuedEntry); err != nil {
			return fmt.Errorf("%w: %s", ErrPersistence, err)
		}
		r.updateRegistry(key, queuedEntry)
		r.publishEvent(ctx, eventFromEntry(queuedEntry))
		return nil
	}

	if retryable {
		reason := fmt.Sprintf("Retries exhausted after %d attempts: %s", attempt, summaryOf(result, execErr))
		r.metrics.IncCounter("planqueue.step.dead_lettered", 1, "tool", job.Step.Tool)
		r.publishEvent(ctx, PlanStepEvent{
			PlanID: job.PlanID, StepID: job.Step.ID, State: StateDeadLettered,
			Capability: job.Step.Capability, CapabilityLabel: job.Step.CapabilityLabel,
			Labels: job.Step.Labels, Tool: job.Step.Tool, TimeoutSeconds: job.Step.TimeoutSeconds,
			ApprovalRequired: job.Step.ApprovalRequired, Attempt: attempt,
			Summary: reason, TraceID: job.TraceID, OccurredAt: time.Now().UTC(),
		})
		if err := msg.DeadLetter(ctx, reason); err != nil {
			return err
		}
		_ = r.Store.ForgetStep(ctx, job.PlanID, job.Step.ID)
		r.deleteRegistry(key)
		r.deleteApprovals(key)
		r.pruneSubject(job.PlanID)
		return nil
	}

	r.metrics.IncCounter("planqueue.step.failed", 1, "tool", job.Step.Tool)
	r.publishEvent(ctx, PlanStepEvent{
		PlanID: job.PlanID, StepID: job.Step.ID, State: StateFailed,
		Capability: job.Step.Capability, CapabilityLabel: job.Step.CapabilityLabel,
		Labels: job.Step.Labels, Tool: job.Step.Tool, TimeoutSeconds: job.Step.TimeoutSeconds,
		ApprovalRequired: job.Step.ApprovalRequired, Attempt: attempt,
		Summary: summaryOf(result, execErr), TraceID: job.TraceID, OccurredAt: time.Now().UTC(),
	})
	if err := msg.Ack(ctx); err != nil {
		return err
	}
	_ = r.Store.ForgetStep(ctx, job.PlanID, job.Step.ID)
	r.deleteRegistry(key)
	r.deleteApprovals(key)
	r.pruneSubject(job.PlanID)
	return nil
}

// computeBackoff returns base*2^attempt, capped at maxDelay (a zero
// maxDelay disables capping).
func computeBackoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

func summaryOf(result toolagent.Result, execErr error) string {
	if execErr != nil {
		return execErr.Error()
	}
	return result.Summary
}
