package session

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Bootstrapper restores sessions with persisted pairing material after a
// process restart, so connections come back without a fresh QR scan.
type Bootstrapper struct {
	Manager *Manager
	Adapter Adapter

	// randomized delay between successive restorations, to avoid a
	// thundering-herd of simultaneous logins
	DelayMin time.Duration
	DelayMax time.Duration
}

// Restore starts every discovered identifier, webhook-less; webhooks are
// re-supplied on the next client interaction. One failed restoration does not
// abort the rest.
func (b *Bootstrapper) Restore(ctx context.Context) error {
	ids, err := b.Adapter.StoredIDs(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for i, id := range ids {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.delay()):
			}
		}
		if _, err := b.Manager.Start(ctx, id, ""); err != nil {
			slog.Error("session restore failed", "connection_id", id, "err", err)
			continue
		}
		restored++
	}
	slog.Info("session restore complete", "discovered", len(ids), "restored", restored)
	return nil
}

func (b *Bootstrapper) delay() time.Duration {
	min, max := b.DelayMin, b.DelayMax
	if min <= 0 {
		min = 3 * time.Second
	}
	if max < min {
		max = min + 2*time.Second
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
