package session

import (
	"context"
	"log/slog"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/observability"
)

// RunSweeps starts the liveness and idle-eviction loops. Both stop when ctx
// is cancelled.
func (m *Manager) RunSweeps(ctx context.Context, livenessEvery, idleEvery time.Duration) {
	go m.sweepLoop(ctx, livenessEvery, m.sweepLiveness)
	go m.sweepLoop(ctx, idleEvery, m.sweepIdle)
}

func (m *Manager) sweepLoop(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// sweepLiveness re-verifies every session cached as connected, catching
// silent drops the event stream never reported.
func (m *Manager) sweepLiveness() {
	for _, rec := range m.reg.All() {
		rec.mu.Lock()
		if rec.status == domain.StatusConnected && !m.verifyLocked(rec) {
			slog.Warn("liveness sweep found dead session", "connection_id", rec.id)
			m.forceDownLocked(rec, "liveness sweep")
		}
		rec.mu.Unlock()
	}
}

// sweepIdle removes disconnected records inactive beyond the TTL. Records
// with a handle or any non-disconnected status are never touched.
func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)
	for _, rec := range m.reg.All() {
		rec.mu.Lock()
		if rec.status == domain.StatusDisconnected && rec.handle == nil && rec.lastActivity.Before(cutoff) {
			m.reg.removeLocked(rec)
			observability.Evictions.Inc()
			slog.Info("evicted idle session", "connection_id", rec.id, "last_activity", rec.lastActivity)
		}
		rec.mu.Unlock()
	}
}
