package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DailyUserSnapshot is the persisted distinct-identity set for one UTC day
// and segment.
type DailyUserSnapshot struct {
	MetricDate string `db:"metric_date"`
	Segment    string `db:"segment"`
	UserIDsRaw string `db:"user_ids"`
	UserCount  int    `db:"user_count"`
	ComputedAt int64  `db:"computed_at"`
}

// UserIDs decodes the stored JSON identity list.
func (s *DailyUserSnapshot) UserIDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(s.UserIDsRaw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode user_ids for %s/%s: %w", s.MetricDate, s.Segment, err)
	}
	return ids, nil
}

// MetricSnapshot is one reporting period's headline figures.
type MetricSnapshot struct {
	PeriodType  string `db:"period_type"`
	PeriodKey   string `db:"period_key"`
	PeriodStart string `db:"period_start"`
	PeriodEnd   string `db:"period_end"`

	NewSignups           int `db:"new_signups"`
	NewTrials            int `db:"new_trials"`
	NewPayingSubscribers int `db:"new_paying_subscribers"`

	WAU            int      `db:"wau"`
	ActivationRate float64  `db:"activation_rate"`
	D7Retention    *float64 `db:"d7_retention"`

	TrialToPaidConversionRate float64 `db:"trial_to_paid_conversion_rate"`
	MRR                       float64 `db:"mrr"`
	ActiveSubscribers         int     `db:"active_subscribers"`
	ChurnRate                 float64 `db:"churn_rate"`

	ExtrasRaw *string `db:"extras"`
	CreatedAt int64   `db:"created_at"`
}

// Extras decodes the ancillary figures, returning an empty map when none were
// stored.
func (s *MetricSnapshot) Extras() (map[string]any, error) {
	if s.ExtrasRaw == nil || *s.ExtrasRaw == "" {
		return map[string]any{}, nil
	}
	var extras map[string]any
	if err := json.Unmarshal([]byte(*s.ExtrasRaw), &extras); err != nil {
		return nil, fmt.Errorf("failed to decode extras for %s/%s: %w", s.PeriodType, s.PeriodKey, err)
	}
	return extras, nil
}

// SetExtras encodes the ancillary figures for persistence.
func (s *MetricSnapshot) SetExtras(extras map[string]any) error {
	if len(extras) == 0 {
		s.ExtrasRaw = nil
		return nil
	}
	data, err := json.Marshal(extras)
	if err != nil {
		return fmt.Errorf("failed to encode extras: %w", err)
	}
	raw := string(data)
	s.ExtrasRaw = &raw
	return nil
}

// UpsertDailyUserSnapshot writes the identity set for one (day, segment),
// replacing any previous row for the same key.
func (db *DB) UpsertDailyUserSnapshot(ctx context.Context, metricDate, segment string, userIDs []string) error {
	if userIDs == nil {
		userIDs = []string{}
	}
	raw, err := json.Marshal(userIDs)
	if err != nil {
		return fmt.Errorf("failed to encode user_ids: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO daily_user_snapshots (metric_date, segment, user_ids, user_count, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(metric_date, segment) DO UPDATE SET
			user_ids = excluded.user_ids,
			user_count = excluded.user_count,
			computed_at = excluded.computed_at`,
		metricDate, segment, string(raw), len(userIDs), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert daily user snapshot %s/%s: %w", metricDate, segment, err)
	}
	return nil
}

// GetDailyUserSnapshots returns the persisted snapshots for a segment over an
// inclusive date range, ordered by day ascending. Days without a snapshot are
// simply absent.
func (db *DB) GetDailyUserSnapshots(ctx context.Context, startDate, endDate, segment string) ([]DailyUserSnapshot, error) {
	var snapshots []DailyUserSnapshot
	err := db.conn.SelectContext(ctx, &snapshots, `
		SELECT metric_date, segment, user_ids, user_count, computed_at
		FROM daily_user_snapshots
		WHERE segment = ? AND metric_date >= ? AND metric_date <= ?
		ORDER BY metric_date ASC`,
		segment, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily user snapshots: %w", err)
	}
	return snapshots, nil
}

// UpsertMetricSnapshot writes one period's figures, replacing any previous
// row for the same (period_type, period_key).
func (db *DB) UpsertMetricSnapshot(ctx context.Context, s *MetricSnapshot) error {
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().Unix()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO metric_snapshots (
			period_type, period_key, period_start, period_end,
			new_signups, new_trials, new_paying_subscribers,
			wau, activation_rate, d7_retention,
			trial_to_paid_conversion_rate, mrr, active_subscribers, churn_rate,
			extras, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_type, period_key) DO UPDATE SET
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			new_signups = excluded.new_signups,
			new_trials = excluded.new_trials,
			new_paying_subscribers = excluded.new_paying_subscribers,
			wau = excluded.wau,
			activation_rate = excluded.activation_rate,
			d7_retention = excluded.d7_retention,
			trial_to_paid_conversion_rate = excluded.trial_to_paid_conversion_rate,
			mrr = excluded.mrr,
			active_subscribers = excluded.active_subscribers,
			churn_rate = excluded.churn_rate,
			extras = excluded.extras,
			created_at = excluded.created_at`,
		s.PeriodType, s.PeriodKey, s.PeriodStart, s.PeriodEnd,
		s.NewSignups, s.NewTrials, s.NewPayingSubscribers,
		s.WAU, s.ActivationRate, s.D7Retention,
		s.TrialToPaidConversionRate, s.MRR, s.ActiveSubscribers, s.ChurnRate,
		s.ExtrasRaw, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert metric snapshot %s/%s: %w", s.PeriodType, s.PeriodKey, err)
	}
	return nil
}

// GetMetricSnapshots returns up to limit snapshots of the given period type,
// most recent period first.
func (db *DB) GetMetricSnapshots(ctx context.Context, periodType string, limit int) ([]MetricSnapshot, error) {
	var snapshots []MetricSnapshot
	err := db.conn.SelectContext(ctx, &snapshots, `
		SELECT period_type, period_key, period_start, period_end,
			new_signups, new_trials, new_paying_subscribers,
			wau, activation_rate, d7_retention,
			trial_to_paid_conversion_rate, mrr, active_subscribers, churn_rate,
			extras, created_at
		FROM metric_snapshots
		WHERE period_type = ?
		ORDER BY period_start DESC
		LIMIT ?`,
		periodType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get metric snapshots: %w", err)
	}
	return snapshots, nil
}

// LatestDailySnapshotDates returns the most recent snapshot date per segment.
func (db *DB) LatestDailySnapshotDates(ctx context.Context) (map[string]string, error) {
	rows := []struct {
		Segment    string `db:"segment"`
		MetricDate string `db:"metric_date"`
	}{}
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT segment, MAX(metric_date) AS metric_date
		FROM daily_user_snapshots
		GROUP BY segment`)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot dates: %w", err)
	}

	dates := make(map[string]string, len(rows))
	for _, row := range rows {
		dates[row.Segment] = row.MetricDate
	}
	return dates, nil
}

// CountDailySnapshots returns the total number of daily snapshot rows.
func (db *DB) CountDailySnapshots(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM daily_user_snapshots`); err != nil {
		return 0, fmt.Errorf("failed to count daily snapshots: %w", err)
	}
	return count, nil
}
