// Package janitor runs the periodic expiry sweep: expired trust grants are
// always deleted; terminal requests are optionally pruned past a retention
// horizon. Lookups already delete expired trust lazily — the sweep bounds
// how long a lapsed row can linger without being looked up.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/sekisho/internal/sekisho/store"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = time.Hour

// Janitor sweeps the store on a timer.
type Janitor struct {
	store    *store.Store
	interval time.Duration
	// retention is how long terminal requests are kept. Zero disables
	// pruning; rows are then retained forever.
	retention time.Duration
}

// New creates a Janitor. interval <= 0 means DefaultInterval.
func New(s *store.Store, interval, retention time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{store: s, interval: interval, retention: retention}
}

// Run sweeps immediately, then on every tick until ctx is cancelled. Safe to
// run concurrently with all other store users.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Errors are logged; the next tick retries.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()

	swept, err := j.store.DeleteExpiredTrust(ctx, now)
	if err != nil {
		slog.Error("janitor: trust sweep failed", "err", err)
	} else if swept > 0 {
		slog.Info("janitor: swept expired trust", "rows", swept)
	}

	if j.retention <= 0 {
		return
	}

	pruned, err := j.store.PruneTerminalRequests(ctx, now.Add(-j.retention))
	if err != nil {
		slog.Error("janitor: request prune failed", "err", err)
	} else if pruned > 0 {
		slog.Info("janitor: pruned terminal requests", "rows", pruned, "retention", j.retention)
	}
}
