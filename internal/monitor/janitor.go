package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/store"
)

// Janitor purges closed positions older than the retention window. Ledger
// entries are kept forever so balances stay replayable.
type Janitor struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor creates a Janitor. A non-positive retention disables purging.
func NewJanitor(st store.Store, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "janitor")),
		now:       time.Now,
	}
}

// Sweep deletes every position closed before now minus retention.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().UTC().Add(-j.retention)
	ids, err := j.store.PurgeClosedPositions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		j.logger.Info("purged closed positions", "count", len(ids), "cutoff", cutoff)
	}
	return len(ids), nil
}

// Run sweeps once per interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("purge failed", "err", err)
			}
		}
	}
}
