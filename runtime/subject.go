package runtime

import (
	"context"
	"time"
)

// setSubject installs subject as the live subject for planID, replacing any
// prior value. A nil subject clears it.
func (r *Runtime) setSubject(planID string, subject *PlanSubject) {
	r.mu.Lock()
	if subject == nil {
		delete(r.subjects, planID)
	} else {
		r.subjects[planID] = subject.Clone()
	}
	r.mu.Unlock()
}

// pruneSubject removes planID's live subject and, if one existed, moves it
// into the retained cache for Config.HistoryRetention so GetPlanSubject
// keeps answering for late readers (spec.md §3 Lifecycle, testable property
// 6).
func (r *Runtime) pruneSubject(planID string) {
	r.mu.Lock()
	subject, ok := r.subjects[planID]
	delete(r.subjects, planID)
	r.mu.Unlock()
	if !ok || subject == nil {
		return
	}
	r.retainedMu.Lock()
	r.retained[planID] = retainedSubject{
		subject:   subject,
		expiresAt: time.Now().Add(r.cfg.HistoryRetention),
	}
	r.retainedMu.Unlock()
}

// GetPlanSubject returns the live subject for planID, falling back to the
// retained post-completion cache, then to the durable store. The result is
// always a deep clone. Returns ErrPlanNotFound if the subject cannot be
// located anywhere.
func (r *Runtime) GetPlanSubject(ctx context.Context, planID string) (*PlanSubject, error) {
	r.mu.RLock()
	if subject, ok := r.subjects[planID]; ok {
		r.mu.RUnlock()
		return subject.Clone(), nil
	}
	r.mu.RUnlock()

	r.retainedMu.Lock()
	if rs, ok := r.retained[planID]; ok {
		if time.Now().Before(rs.expiresAt) {
			r.retainedMu.Unlock()
			return rs.subject.Clone(), nil
		}
		delete(r.retained, planID)
	}
	r.retainedMu.Unlock()

	meta, err := r.Store.GetPlanMetadata(ctx, planID)
	if err == nil {
		for _, step := range meta.Steps {
			if step.Subject != nil {
				return step.Subject.Clone(), nil
			}
		}
	}
	return nil, ErrPlanNotFound
}

// sweepRetainedSubjects evicts expired retained subjects. Called
// periodically by the runtime's maintenance loop.
func (r *Runtime) sweepRetainedSubjects(now time.Time) {
	r.retainedMu.Lock()
	defer r.retainedMu.Unlock()
	for planID, rs := range r.retained {
		if now.After(rs.expiresAt) {
			delete(r.retained, planID)
		}
	}
}
