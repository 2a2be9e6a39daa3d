package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrt/planqueue/queue"
)

// handleCompletionMessage is the CompletionConsumer handler registered on
// plan.completions (spec.md §4.5). It lets external workers report a step
// outcome without going through StepConsumer, reconciling the report into
// the same state machine.
func (r *Runtime) handleCompletionMessage(ctx context.Context, msg queue.Message) error {
	completion, err := decodeCompletion(msg.Payload())
	if err != nil {
		return msg.DeadLetter(ctx, "undecodable payload: "+err.Error())
	}

	key := entryKey(completion.PlanID, completion.StepID)
	existing, loadErr := r.loadEntry(ctx, completion.PlanID, completion.StepID)

	entry := existing
	entry.PlanID = completion.PlanID
	entry.StepID = completion.StepID
	entry.State = completion.State
	entry.Summary = completion.Summary
	entry.Output = r.redactOutput(completion.Output)
	entry.Attempt = completion.Attempt
	entry.UpdatedAt = time.Now().UTC()
	if loadErr != nil {
		entry.TraceID = completion.TraceID
		entry.CreatedAt = entry.UpdatedAt
	}
	if entry.TraceID == "" {
		entry.TraceID = completion.TraceID
	}

	if !completion.State.IsTerminal() {
		if err := r.Store.RememberStep(ctx, entry); err != nil {
			return fmt.Errorf("%w: %s", ErrPersistence, err)
		}
		r.updateRegistry(key, entry)
		r.publishEvent(ctx, eventFromEntry(entry))
		return msg.Ack(ctx)
	}

	r.publishEvent(ctx, eventFromEntry(entry))
	_ = r.Store.ForgetStep(ctx, completion.PlanID, completion.StepID)
	r.deleteRegistry(key)
	r.deleteApprovals(key)
	r.pruneSubject(completion.PlanID)

	if err := msg.Ack(ctx); err != nil {
		return err
	}

	if completion.State == StateCompleted {
		return r.advanceAndRelease(ctx, completion.PlanID, completion.StepID)
	}
	return nil
}
