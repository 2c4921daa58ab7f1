package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
)

// SweepResult counts what one retention sweep changed.
type SweepResult struct {
	Expired         int
	Purged          int
	SessionsExpired int
}

// Sweep expires records past retention, purges settled records when purge is
// set, and marks lapsed sessions expired.
func (e *Engine) Sweep(ctx context.Context, purge bool) (SweepResult, error) {
	var res SweepResult
	n, err := e.Store.ExpireStale(ctx)
	if err != nil {
		return res, fmt.Errorf("expire stale records: %w", err)
	}
	res.Expired = n
	if purge {
		if res.Purged, err = e.Store.PurgeStatus(ctx, offline.StatusSynced, offline.StatusExpired); err != nil {
			return res, fmt.Errorf("purge settled records: %w", err)
		}
	}
	res.SessionsExpired = e.Service.ExpireSessions(ctx)
	return res, nil
}

// ScheduleSweep registers Sweep on c under the cron spec.
func (e *Engine) ScheduleSweep(c *cron.Cron, spec string, purge bool, logger *slog.Logger) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		res, err := e.Sweep(ctx, purge)
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
			return
		}
		logger.Info("retention sweep finished",
			"expired", res.Expired, "purged", res.Purged, "sessions_expired", res.SessionsExpired)
	})
}
