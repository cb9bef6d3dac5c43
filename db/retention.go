package db

import (
	"context"
	"log/slog"
	"time"
)

// RetentionPolicy controls pruning of stored chat.
type RetentionPolicy struct {
	// KeepDays: rows older than this many days are deleted (0 = disabled)
	KeepDays int
	// Interval: how often the job runs
	Interval time.Duration
}

// StartRetentionJob prunes old chat rows on start and then every interval
// until ctx is cancelled. It returns immediately when no policy is set.
func StartRetentionJob(ctx context.Context, s *Store, policy RetentionPolicy) {
	if policy.KeepDays <= 0 {
		slog.Info("retention job disabled (no policy configured)", slog.String("component", "db_retention"))
		return
	}
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}
	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Duration("interval", policy.Interval),
		slog.String("component", "db_retention"))

	run := func() {
		cutoff := time.Now().AddDate(0, 0, -policy.KeepDays)
		n, err := s.PruneBefore(ctx, cutoff)
		if err != nil {
			slog.Error("retention cleanup failed", slog.Any("err", err), slog.String("component", "db_retention"))
			return
		}
		if n > 0 {
			slog.Info("retention cleanup removed rows", slog.Int64("rows", n), slog.String("component", "db_retention"))
		}
	}
	run()
	t := time.NewTicker(policy.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}
