package runtime

import "context"

// checkoutRegistry returns the in-memory registry entry for key, creating it
// from snap if absent. The persisted store remains authoritative: callers
// that suspect drift should re-read via Store.GetEntry rather than trust a
// stale registry entry (spec.md §9, "in-memory caches as secondary
// indexes").
func (r *Runtime) checkoutRegistry(key string, snap PlanStepEntry) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	re, ok := r.registry[key]
	if !ok {
		re = &registryEntry{entry: snap}
		r.registry[key] = re
	}
	return re
}

// peekRegistry returns the registry entry for key without creating one.
func (r *Runtime) peekRegistry(key string) (*registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	re, ok := r.registry[key]
	return re, ok
}

// updateRegistry overwrites the registry entry's snapshot for key, creating
// it if absent.
func (r *Runtime) updateRegistry(key string, snap PlanStepEntry) *registryEntry {
	r.mu.Lock()
	re, ok := r.registry[key]
	if !ok {
		re = &registryEntry{entry: snap}
		r.registry[key] = re
	} else {
		re.mu.Lock()
		re.entry = snap
		re.mu.Unlock()
	}
	r.mu.Unlock()
	return re
}

// deleteRegistry removes key from the registry.
func (r *Runtime) deleteRegistry(key string) {
	r.mu.Lock()
	delete(r.registry, key)
	r.mu.Unlock()
}

// approvalsFor returns a copy of the approval cache for key.
func (r *Runtime) approvalsFor(key string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneBoolMap(r.approvals[key])
}

// setApproval records a single capability grant/denial in the cache.
func (r *Runtime) setApproval(key, capability string, granted bool) {
	r.mu.Lock()
	m, ok := r.approvals[key]
	if !ok {
		m = make(map[string]bool)
		r.approvals[key] = m
	}
	m[capability] = granted
	r.mu.Unlock()
}

// deleteApprovals clears the approval cache for key.
func (r *Runtime) deleteApprovals(key string) {
	r.mu.Lock()
	delete(r.approvals, key)
	r.mu.Unlock()
}

// rememberApprovalsFromStore refreshes the approval cache for key from a
// freshly loaded entry, per the invariant that the cache always equals the
// persisted entry's Approvals map.
func (r *Runtime) rememberApprovalsFromStore(key string, entry PlanStepEntry) {
	r.mu.Lock()
	r.approvals[key] = cloneBoolMap(entry.Approvals)
	r.mu.Unlock()
}

// loadEntry re-reads (planID, stepID) from the durable store, since the
// store is authoritative over the registry.
func (r *Runtime) loadEntry(ctx context.Context, planID, stepID string) (PlanStepEntry, error) {
	return r.Store.GetEntry(ctx, planID, stepID)
}
