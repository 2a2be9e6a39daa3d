package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentrt/planqueue/audit"
)

// redactOutput drops output entirely when content capture is disabled
// (spec.md §6, contentCapture.enabled).
func (r *Runtime) redactOutput(output json.RawMessage) json.RawMessage {
	if !r.cfg.ContentCaptureEnabled {
		return nil
	}
	return output
}

// publishEvent applies content-capture redaction and fans the event out via
// Bus. Errors are logged, not propagated, so a failing subscriber never
// fails the state transition. Bus.Publish calls subscribers synchronously,
// so a slow subscriber delays the caller.
func (r *Runtime) publishEvent(ctx context.Context, event PlanStepEvent) {
	event.Output = r.redactOutput(event.Output)
	if err := r.Bus.Publish(ctx, event); err != nil {
		r.logger.Warn(ctx, "publish plan step event failed", "plan_id", event.PlanID, "step_id", event.StepID, "err", err)
	}
}

// eventFromEntry builds a PlanStepEvent snapshot of entry for publication.
func eventFromEntry(entry PlanStepEntry) PlanStepEvent {
	return PlanStepEvent{
		PlanID:           entry.PlanID,
		StepID:           entry.StepID,
		State:            entry.State,
		Capability:       entry.Step.Capability,
		CapabilityLabel:  entry.Step.CapabilityLabel,
		Labels:           entry.Step.Labels,
		Tool:             entry.Step.Tool,
		TimeoutSeconds:   entry.Step.TimeoutSeconds,
		ApprovalRequired: entry.Step.ApprovalRequired,
		Attempt:          entry.Attempt,
		Summary:          entry.Summary,
		Output:           entry.Output,
		Approvals:        cloneBoolMap(entry.Approvals),
		TraceID:          entry.TraceID,
		OccurredAt:       entry.UpdatedAt,
	}
}

// recordAudit appends an audit trail entry when an audit.Store is
// configured. Failures are logged, not propagated: auditing is best-effort
// observability, not part of the crash-recovery path.
func (r *Runtime) recordAudit(ctx context.Context, planID, stepID, eventType string, payload any) {
	if r.Audit == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.Audit.Append(ctx, &audit.Event{
		PlanID:    planID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn(ctx, "audit append failed", "plan_id", planID, "step_id", stepID, "type", eventType, "err", err)
	}
}
