package runtime

import (
	"context"
	"time"
)

// runMaintenance evicts expired retained subjects and sweeps terminal
// PlanStateStore entries older than Config.StateRetention, once per
// Config.MaintenanceInterval, until ctx is canceled (during Shutdown).
func (r *Runtime) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepRetainedSubjects(now)
			cutoff := now.Add(-r.cfg.StateRetention)
			sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := r.Store.Sweep(sweepCtx, cutoff); err != nil {
				r.logger.Warn(ctx, "maintenance sweep failed", "err", err)
			}
			cancel()
		}
	}
}
