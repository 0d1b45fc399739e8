// Package pipeline orchestrates the weekly metrics run: compute the report
// week, gather figures from the aggregator, funnel and billing, persist one
// snapshot, compute week-over-week deltas and deliver the digest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lunary-metrics/internal/aggregator"
	"lunary-metrics/internal/billing"
	"lunary-metrics/internal/database"
	"lunary-metrics/internal/events"
	"lunary-metrics/internal/funnel"
	"lunary-metrics/internal/metrics"
	"lunary-metrics/internal/notify"
	"lunary-metrics/internal/tracking"
)

// State names a stage of a pipeline run.
type State string

const (
	StateIdle                State = "idle"
	StateComputingBoundaries State = "computing_boundaries"
	StateComputingMetrics    State = "computing_metrics"
	StatePersisting          State = "persisting"
	StateComputingDeltas     State = "computing_deltas"
	StateNotifying           State = "notifying"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// PeriodWeekly is the period_type used for weekly snapshot rows.
const PeriodWeekly = "weekly"

// DefaultFeatureTypes are the feature events ranked in the digest's top
// features section.
var DefaultFeatureTypes = []string{
	"horoscope_viewed", "compatibility_checked", "tarot_drawn",
	"grimoire_entry_read", "question_asked", "birth_chart_viewed",
	"moon_phase_checked",
}

// topFeatureLimit caps how many features make the digest.
const topFeatureLimit = 5

// RunResult summarizes one weekly run.
type RunResult struct {
	RunID     string                   `json:"runId"`
	State     State                    `json:"state"`
	PeriodKey string                   `json:"periodKey"`
	Snapshot  *database.MetricSnapshot `json:"-"`
	Deltas    map[string]string        `json:"deltas,omitempty"`
	Duration  time.Duration            `json:"-"`
}

// Pipeline runs weekly metric computations.
type Pipeline struct {
	db       *database.DB
	store    *events.Store
	agg      *aggregator.Aggregator
	funnel   *funnel.Calculator
	billing  billing.MetricsSource
	notifier notify.Notifier
	tracker  tracking.Sink
	logger   *slog.Logger

	loc          *time.Location
	featureTypes []string
	queryTimeout time.Duration

	// now is swappable for tests
	now func() time.Time
}

// New creates a pipeline.
func New(
	db *database.DB,
	store *events.Store,
	agg *aggregator.Aggregator,
	funnelCalc *funnel.Calculator,
	billingSource billing.MetricsSource,
	notifier notify.Notifier,
	tracker tracking.Sink,
	logger *slog.Logger,
	loc *time.Location,
	queryTimeout time.Duration,
) *Pipeline {
	return &Pipeline{
		db:           db,
		store:        store,
		agg:          agg,
		funnel:       funnelCalc,
		billing:      billingSource,
		notifier:     notifier,
		tracker:      tracker,
		logger:       logger,
		loc:          loc,
		featureTypes: DefaultFeatureTypes,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// engagementFigures is the aggregator side of the fan-out.
type engagementFigures struct {
	wau           int
	segmentCounts map[string]int
	topFeatures   []featureCount
	d7Retention   *float64
	degraded      bool
}

// acquisitionFigures is the funnel side of the fan-out.
type acquisitionFigures struct {
	activation  *funnel.Result
	newTrials   int
	newPaying   int
	trialToPaid float64
}

type featureCount struct {
	EventType string `json:"eventType"`
	Users     int    `json:"users"`
}

// RunWeekly executes the full weekly run for the most recent complete week.
// On failure a high-priority alert is attempted; alert delivery problems are
// logged but never displace the original error.
func (p *Pipeline) RunWeekly(ctx context.Context) (*RunResult, error) {
	started := p.now()
	result := &RunResult{RunID: uuid.New().String(), State: StateIdle}
	logger := p.logger.With("run_id", result.RunID)

	result.State = StateComputingBoundaries
	week := PreviousWeek(started, p.loc)
	result.PeriodKey = week.Key
	logger.Info("starting weekly run",
		"period_key", week.Key,
		"start", week.Start.Format(time.RFC3339),
		"end", week.End.Format(time.RFC3339))

	err := p.run(ctx, week, result, logger)
	result.Duration = p.now().Sub(started)

	if err != nil {
		stateReached := result.State
		result.State = StateFailed
		metrics.PipelineRunsTotal.WithLabelValues(metrics.StateFailed).Inc()
		logger.Error("weekly run failed", "state_reached", string(stateReached), "error", err)
		p.alertFailure(ctx, week, err, logger)
		return result, err
	}

	result.State = StateDone
	metrics.PipelineRunsTotal.WithLabelValues(metrics.StateDone).Inc()
	metrics.PipelineRunDuration.Observe(result.Duration.Seconds())
	logger.Info("weekly run complete", "period_key", week.Key, "duration", result.Duration)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, week Week, result *RunResult, logger *slog.Logger) error {
	result.State = StateComputingMetrics

	var (
		wg          sync.WaitGroup
		engagement  engagementFigures
		acquisition acquisitionFigures
		revenue     *billing.Figures
		engErr      error
		acqErr      error
		revErr      error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		engErr = p.computeEngagement(ctx, week, &engagement)
	}()
	go func() {
		defer wg.Done()
		acqErr = p.computeAcquisition(ctx, week, &acquisition)
	}()
	go func() {
		defer wg.Done()
		revenue, revErr = p.billing.FetchFigures(ctx, week.Start, week.End)
	}()
	wg.Wait()

	if err := errors.Join(engErr, acqErr, revErr); err != nil {
		return fmt.Errorf("failed to compute weekly metrics: %w", err)
	}

	result.State = StatePersisting
	snapshot := p.buildSnapshot(week, &engagement, &acquisition, revenue)
	if err := p.db.UpsertMetricSnapshot(ctx, snapshot); err != nil {
		return err
	}
	metrics.SnapshotUpsertsTotal.WithLabelValues("metric_snapshots").Inc()
	result.Snapshot = snapshot

	result.State = StateComputingDeltas
	deltas, err := p.computeDeltas(ctx)
	if err != nil {
		// Deltas are presentation, not record: a delta failure after the
		// snapshot is safely persisted should not fail the run.
		logger.Warn("failed to compute deltas, digest will omit them", "error", err)
		deltas = map[string]string{}
	}
	result.Deltas = deltas

	result.State = StateNotifying
	digest := p.buildDigest(week, snapshot, &engagement, &acquisition, deltas)
	if err := p.notifier.SendDigest(ctx, digest); err != nil {
		return fmt.Errorf("failed to deliver weekly digest: %w", err)
	}

	if err := p.tracker.Track(ctx, "weekly_metrics_computed", map[string]any{
		"period_key":  week.Key,
		"new_signups": snapshot.NewSignups,
		"wau":         snapshot.WAU,
	}); err != nil {
		logger.Warn("failed to track run", "error", err)
	}

	return nil
}

func (p *Pipeline) computeEngagement(ctx context.Context, week Week, out *engagementFigures) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	resolver, err := p.agg.NewResolver(ctx)
	if err != nil {
		return err
	}
	out.degraded = !resolver.Capabilities().HasIdentityLinks

	out.segmentCounts = make(map[string]int, len(aggregator.Segments()))
	for _, segment := range aggregator.Segments() {
		ids, err := p.agg.ComputeRangeSegment(ctx, week.Start, week.End, segment, resolver)
		if err != nil {
			return err
		}
		out.segmentCounts[string(segment)] = len(ids)
		if segment == aggregator.SegmentProduct {
			out.wau = len(ids)
		}
	}

	usage, err := p.store.FeatureUsage(ctx, week.Start, week.End, p.featureTypes)
	if err != nil {
		return err
	}
	out.topFeatures = rankFeatures(usage, topFeatureLimit)

	retention, err := p.computeRetention(ctx, week)
	if err != nil {
		return err
	}
	out.d7Retention = retention
	return nil
}

// computeRetention reports the share of the previous week's signup cohort
// that was active at any point during the report week. Nil when the cohort
// is empty.
func (p *Pipeline) computeRetention(ctx context.Context, week Week) (*float64, error) {
	cohortStart := PreviousWeek(week.Start, p.loc)
	cohort, err := p.store.ListSignups(ctx, cohortStart.Start, cohortStart.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load retention cohort: %w", err)
	}
	if len(cohort) == 0 {
		return nil, nil
	}

	ids := make([]string, len(cohort))
	for i, signup := range cohort {
		ids[i] = signup.ID
	}
	active, err := p.store.CountActiveAmong(ctx, week.Start, week.End, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count retained users: %w", err)
	}

	retention := round2(float64(active) / float64(len(cohort)) * 100)
	return &retention, nil
}

func (p *Pipeline) computeAcquisition(ctx context.Context, week Week, out *acquisitionFigures) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	activation, err := p.funnel.ComputeActivation(ctx, week.Start, week.End)
	if err != nil {
		return err
	}
	out.activation = activation

	trials, err := p.store.DistinctUsersWithEvent(ctx, week.Start, week.End, []string{"trial_started"})
	if err != nil {
		return fmt.Errorf("failed to count new trials: %w", err)
	}
	out.newTrials = len(trials)

	paying, err := p.store.DistinctUsersWithEvent(ctx, week.Start, week.End,
		[]string{"trial_converted", "subscription_started"})
	if err != nil {
		return fmt.Errorf("failed to count new paying subscribers: %w", err)
	}
	out.newPaying = len(paying)

	if out.newTrials > 0 {
		out.trialToPaid = float64(out.newPaying) / float64(out.newTrials) * 100
	}
	return nil
}

func (p *Pipeline) buildSnapshot(week Week, engagement *engagementFigures, acquisition *acquisitionFigures, revenue *billing.Figures) *database.MetricSnapshot {
	snapshot := &database.MetricSnapshot{
		PeriodType:  PeriodWeekly,
		PeriodKey:   week.Key,
		PeriodStart: week.Start.UTC().Format(time.RFC3339),
		PeriodEnd:   week.End.UTC().Format(time.RFC3339),

		NewSignups:           acquisition.activation.TotalSignups,
		NewTrials:            acquisition.newTrials,
		NewPayingSubscribers: acquisition.newPaying,

		WAU:            engagement.wau,
		ActivationRate: round2(acquisition.activation.Rate),
		D7Retention:    engagement.d7Retention,

		TrialToPaidConversionRate: round2(acquisition.trialToPaid),
		MRR:                       round2(revenue.MRR),
		ActiveSubscribers:         revenue.ActiveSubscribers,
		ChurnRate:                 round2(revenue.ChurnRate),
	}

	activation := acquisition.activation
	extras := map[string]any{
		"segment_counts": engagement.segmentCounts,
		"top_features":   engagement.topFeatures,
		"funnel": map[string]any{
			"signups":           activation.TotalSignups,
			"activated":         activation.ActivatedUsers,
			"trials":            acquisition.newTrials,
			"paid":              acquisition.newPaying,
			"signupToActivated": round2(activation.Rate),
			"activatedToTrial":  round2(stepConversion(activation.ActivatedUsers, acquisition.newTrials)),
			"trialToPaid":       round2(stepConversion(acquisition.newTrials, acquisition.newPaying)),
			"byEventType":       activation.ByEventType,
			"byEventTypeAndPlan": activation.ByEventTypeAndPlan,
		},
	}
	if engagement.degraded {
		extras["degraded_resolution"] = true
	}
	if err := snapshot.SetExtras(extras); err != nil {
		// Extras are ancillary; the headline figures still persist
		p.logger.Warn("failed to encode snapshot extras", "error", err)
	}
	return snapshot
}

// stepConversion is the percentage of from that reached to, zero-guarded.
func stepConversion(from, to int) float64 {
	if from == 0 {
		return 0
	}
	return float64(to) / float64(from) * 100
}

// computeDeltas compares the two most recent weekly snapshots. With fewer
// than two snapshots, or a zero baseline for a given metric, that metric has
// no delta.
func (p *Pipeline) computeDeltas(ctx context.Context) (map[string]string, error) {
	snapshots, err := p.db.GetMetricSnapshots(ctx, PeriodWeekly, 2)
	if err != nil {
		return nil, err
	}
	if len(snapshots) < 2 {
		return map[string]string{}, nil
	}

	current, previous := snapshots[0], snapshots[1]
	deltas := map[string]string{}
	addDelta := func(metric string, cur, prev float64) {
		if formatted := FormatDelta(cur, prev); formatted != "n/a" {
			deltas[metric] = formatted
		}
	}

	addDelta("new_signups", float64(current.NewSignups), float64(previous.NewSignups))
	addDelta("new_trials", float64(current.NewTrials), float64(previous.NewTrials))
	addDelta("new_paying_subscribers", float64(current.NewPayingSubscribers), float64(previous.NewPayingSubscribers))
	addDelta("wau", float64(current.WAU), float64(previous.WAU))
	addDelta("activation_rate", current.ActivationRate, previous.ActivationRate)
	addDelta("mrr", current.MRR, previous.MRR)
	addDelta("active_subscribers", float64(current.ActiveSubscribers), float64(previous.ActiveSubscribers))
	return deltas, nil
}

func rankFeatures(usage map[string]int, limit int) []featureCount {
	ranked := make([]featureCount, 0, len(usage))
	for eventType, users := range usage {
		ranked = append(ranked, featureCount{EventType: eventType, Users: users})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Users != ranked[j].Users {
			return ranked[i].Users > ranked[j].Users
		}
		return ranked[i].EventType < ranked[j].EventType
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// alertFailure sends a best-effort high-priority alert. A delivery failure
// is logged and swallowed so the run's own error stays the one reported.
func (p *Pipeline) alertFailure(ctx context.Context, week Week, runErr error, logger *slog.Logger) {
	// The run context may already be cancelled; give the alert its own
	// short deadline.
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	digest := notify.Digest{
		Title:     fmt.Sprintf("Weekly metrics run failed (%s)", week.Key),
		Message:   runErr.Error(),
		DedupeKey: fmt.Sprintf("weekly-metrics-failed-%s", week.Key),
		Priority:  notify.PriorityHigh,
	}
	if err := p.notifier.SendDigest(alertCtx, digest); err != nil {
		logger.Error("failed to deliver failure alert", "error", err)
	}
}
