package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot freshness metrics
var (
	SnapshotAgeDays = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapshot_age_days",
			Help: "Age in days of the most recent daily user snapshot per segment",
		},
		[]string{"segment"},
	)

	SnapshotRowsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshot_rows_total",
			Help: "Total number of daily user snapshot rows",
		},
	)
)

// DB interface for snapshot freshness queries
type DB interface {
	LatestDailySnapshotDates(ctx context.Context) (map[string]string, error)
	CountDailySnapshots(ctx context.Context) (int, error)
}

// StartSnapshotFreshnessCollector starts a background goroutine that
// periodically reports how stale the daily snapshots are. A growing age means
// the backfill cron has stopped firing.
func StartSnapshotFreshnessCollector(ctx context.Context, db DB, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect once immediately
	collectSnapshotFreshness(ctx, db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Snapshot freshness collector stopping")
			return
		case <-ticker.C:
			collectSnapshotFreshness(ctx, db, logger)
		}
	}
}

func collectSnapshotFreshness(ctx context.Context, db DB, logger *slog.Logger) {
	dates, err := db.LatestDailySnapshotDates(ctx)
	if err != nil {
		logger.Error("Failed to get latest snapshot dates", "error", err)
	} else {
		now := time.Now().UTC()
		for segment, date := range dates {
			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				logger.Error("Failed to parse snapshot date", "segment", segment, "date", date, "error", err)
				continue
			}
			age := now.Sub(day).Hours() / 24
			SnapshotAgeDays.WithLabelValues(segment).Set(age)
		}
	}

	if count, err := db.CountDailySnapshots(ctx); err != nil {
		logger.Error("Failed to count daily snapshots", "error", err)
	} else {
		SnapshotRowsTotal.Set(float64(count))
	}
}
