// Package aggregator computes distinct-user sets per day and segment and
// persists them as daily snapshots.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lunary-metrics/internal/database"
	"lunary-metrics/internal/events"
	"lunary-metrics/internal/identity"
	"lunary-metrics/internal/metrics"
)

// Segment names a distinct-user population.
type Segment string

const (
	// SegmentAll counts every attributable identity.
	SegmentAll Segment = "all"
	// SegmentProduct counts signed-in users doing real product actions;
	// ambient events are excluded and anonymous identities never count.
	SegmentProduct Segment = "product"
	// SegmentAppOpened counts identities that opened the app.
	SegmentAppOpened Segment = "app_opened"
	// SegmentReach counts identities that viewed any page.
	SegmentReach Segment = "reach"
	// SegmentGrimoire counts identities that viewed grimoire pages.
	SegmentGrimoire Segment = "grimoire"
)

// segmentSpec holds the event filter and resolution mode for one segment.
type segmentSpec struct {
	filter       events.EventFilter
	signedInOnly bool
}

var segmentSpecs = map[Segment]segmentSpec{
	SegmentAll: {},
	SegmentProduct: {
		filter:       events.EventFilter{ExcludeTypes: []string{"app_opened", "page_viewed"}},
		signedInOnly: true,
	},
	SegmentAppOpened: {
		filter: events.EventFilter{IncludeTypes: []string{"app_opened"}},
	},
	SegmentReach: {
		filter: events.EventFilter{IncludeTypes: []string{"page_viewed"}},
	},
	SegmentGrimoire: {
		filter: events.EventFilter{IncludeTypes: []string{"page_viewed"}, PathPrefix: "/grimoire"},
	},
}

// Segments returns all segments in a stable order.
func Segments() []Segment {
	return []Segment{SegmentAll, SegmentProduct, SegmentAppOpened, SegmentReach, SegmentGrimoire}
}

// SegmentFailure records one isolated per-day, per-segment failure.
type SegmentFailure struct {
	Date    string `json:"date"`
	Segment string `json:"segment"`
	Error   string `json:"error"`
}

// BackfillResult summarizes one backfill run. A run with failures still
// counts the days it attempted; failed (day, segment) cells simply keep
// whatever snapshot they had before.
type BackfillResult struct {
	RunID         string           `json:"runId"`
	DaysProcessed int              `json:"daysProcessed"`
	Failures      []SegmentFailure `json:"failures,omitempty"`
}

// Aggregator computes and persists daily distinct-user snapshots.
type Aggregator struct {
	db           *database.DB
	store        *events.Store
	logger       *slog.Logger
	queryTimeout time.Duration

	// now is swappable for tests
	now func() time.Time
}

// New creates an aggregator.
func New(db *database.DB, store *events.Store, logger *slog.Logger, queryTimeout time.Duration) *Aggregator {
	return &Aggregator{
		db:           db,
		store:        store,
		logger:       logger,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// NewResolver loads the current identity link state and builds a resolver.
// Link state is loaded once per run so every day of a backfill is attributed
// against the same links; re-running an old day after new links appear
// upgrades its anonymous identities.
func (a *Aggregator) NewResolver(ctx context.Context) (*identity.Resolver, error) {
	hasLinks, err := a.store.HasIdentityLinkTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check identity link capability: %w", err)
	}

	caps := identity.Capabilities{HasIdentityLinks: hasLinks}
	if !hasLinks {
		a.logger.Warn("identity_links table not found, anonymous identities will not be linked to accounts")
		return identity.NewResolver(caps, nil), nil
	}

	links, err := a.store.LoadIdentityLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity links: %w", err)
	}
	return identity.NewResolver(caps, links), nil
}

// ComputeDaySegment computes the live distinct identity set for one UTC day
// and segment. The result is sorted for stable persistence.
func (a *Aggregator) ComputeDaySegment(ctx context.Context, day time.Time, segment Segment, resolver *identity.Resolver) ([]string, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	return a.computeRange(ctx, start, start.Add(24*time.Hour), segment, resolver)
}

// ComputeRangeSegment computes the live distinct identity set for [start, end)
// in one query, for period-level figures like WAU.
func (a *Aggregator) ComputeRangeSegment(ctx context.Context, start, end time.Time, segment Segment, resolver *identity.Resolver) ([]string, error) {
	return a.computeRange(ctx, start, end, segment, resolver)
}

func (a *Aggregator) computeRange(ctx context.Context, start, end time.Time, segment Segment, resolver *identity.Resolver) ([]string, error) {
	spec, ok := segmentSpecs[segment]
	if !ok {
		return nil, fmt.Errorf("unknown segment %q", segment)
	}

	pairs, err := a.store.QueryIdentityPairs(ctx, start, end, spec.filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for segment %s: %w", segment, err)
	}

	distinct := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		id, signedIn := resolver.Resolve(pair.UserID, pair.AnonymousID)
		if id == "" {
			continue // unattributable
		}
		if spec.signedInOnly && !signedIn {
			continue
		}
		distinct[id] = struct{}{}
	}

	ids := make([]string, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Backfill recomputes and upserts snapshots for every complete UTC day in
// [start, end]. Days on or after today are skipped: today's set is still
// growing and persisting it would freeze a partial count. Segment failures
// are isolated; the run continues and reports them.
func (a *Aggregator) Backfill(ctx context.Context, start, end time.Time) (*BackfillResult, error) {
	result := &BackfillResult{RunID: uuid.New().String()}

	today := a.now().UTC().Truncate(24 * time.Hour)
	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	if !endDay.Before(today) {
		endDay = today.Add(-24 * time.Hour)
	}
	if endDay.Before(startDay) {
		return result, nil
	}

	resolver, err := a.NewResolver(ctx)
	if err != nil {
		return nil, err
	}

	logger := a.logger.With("run_id", result.RunID)
	logger.Info("starting backfill",
		"start", startDay.Format("2006-01-02"),
		"end", endDay.Format("2006-01-02"),
		"degraded_resolution", !resolver.Capabilities().HasIdentityLinks)

	for day := startDay; !day.After(endDay); day = day.Add(24 * time.Hour) {
		failures := a.backfillDay(ctx, day, resolver, logger)
		result.Failures = append(result.Failures, failures...)
		result.DaysProcessed++
		metrics.BackfillDaysTotal.Inc()

		if ctx.Err() != nil {
			return result, fmt.Errorf("backfill interrupted: %w", ctx.Err())
		}
	}

	logger.Info("backfill complete", "days", result.DaysProcessed, "failures", len(result.Failures))
	return result, nil
}

// backfillDay runs the five segment computations for one day concurrently.
func (a *Aggregator) backfillDay(ctx context.Context, day time.Time, resolver *identity.Resolver, logger *slog.Logger) []SegmentFailure {
	metricDate := day.Format("2006-01-02")

	var wg sync.WaitGroup
	failureCh := make(chan SegmentFailure, len(segmentSpecs))

	for _, segment := range Segments() {
		segment := segment
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.computeAndPersist(ctx, day, segment, resolver); err != nil {
				logger.Error("segment computation failed",
					"date", metricDate, "segment", string(segment), "error", err)
				metrics.SegmentComputationsTotal.WithLabelValues(string(segment), metrics.ResultFailure).Inc()
				failureCh <- SegmentFailure{Date: metricDate, Segment: string(segment), Error: err.Error()}
				return
			}
			metrics.SegmentComputationsTotal.WithLabelValues(string(segment), metrics.ResultSuccess).Inc()
		}()
	}

	wg.Wait()
	close(failureCh)

	var failures []SegmentFailure
	for failure := range failureCh {
		failures = append(failures, failure)
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Segment < failures[j].Segment })
	return failures
}

func (a *Aggregator) computeAndPersist(ctx context.Context, day time.Time, segment Segment, resolver *identity.Resolver) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	timer := time.Now()
	ids, err := a.ComputeDaySegment(ctx, day, segment, resolver)
	if err != nil {
		return err
	}
	metrics.SegmentComputationDuration.WithLabelValues(string(segment)).Observe(time.Since(timer).Seconds())

	if err := a.db.UpsertDailyUserSnapshot(ctx, day.Format("2006-01-02"), string(segment), ids); err != nil {
		return err
	}
	metrics.SnapshotUpsertsTotal.WithLabelValues("daily_user_snapshots").Inc()
	return nil
}

// RangeQuery returns the persisted snapshots for a segment over [start, end]
// (inclusive days). Days on or after today are excluded even if a stale
// snapshot exists for them: persisted rows only ever describe complete days,
// and today's numbers must come from a live computation instead.
func (a *Aggregator) RangeQuery(ctx context.Context, start, end time.Time, segment Segment) ([]database.DailyUserSnapshot, error) {
	today := a.now().UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	if !endDay.Before(today) {
		endDay = today.Add(-24 * time.Hour)
	}
	startDay := start.UTC().Truncate(24 * time.Hour)
	if endDay.Before(startDay) {
		return nil, nil
	}

	return a.db.GetDailyUserSnapshots(ctx,
		startDay.Format("2006-01-02"), endDay.Format("2006-01-02"), string(segment))
}
