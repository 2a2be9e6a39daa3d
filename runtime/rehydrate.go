package runtime

import "context"

// rehydrate rebuilds the in-memory registry, approval cache, and subject
// cache from the durable store, and resumes release of every live plan
// (spec.md §4.8). It runs once during Initialize, after consumers are
// registered but before the runtime is marked ready.
func (r *Runtime) rehydrate(ctx context.Context) error {
	entries, err := r.Store.ListActiveSteps(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		key := entryKey(entry.PlanID, entry.StepID)

		if entry.State == StateRunning {
			entry.State = StateQueued
			if err := r.Store.RememberStep(ctx, entry); err != nil {
				return err
			}
		}

		r.checkoutRegistry(key, entry)
		r.rememberApprovalsFromStore(key, entry)
		if entry.Subject != nil {
			r.setSubject(entry.PlanID, entry.Subject)
		}

		r.publishEvent(ctx, eventFromEntry(entry))
	}

	metas, err := r.Store.ListPlanMetadata(ctx)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := r.ReleaseNext(ctx, meta.PlanID); err != nil {
			r.logger.Warn(ctx, "rehydrate: release next failed", "plan_id", meta.PlanID, "err", err)
		}
	}

	return nil
}
