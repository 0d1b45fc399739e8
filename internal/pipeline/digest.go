package pipeline

import (
	"fmt"
	"strings"

	"lunary-metrics/internal/database"
	"lunary-metrics/internal/notify"
)

// buildDigest renders the weekly digest. The dedupe key is stable per ISO
// week so a retried run replaces rather than duplicates the report.
func (p *Pipeline) buildDigest(week Week, snapshot *database.MetricSnapshot, engagement *engagementFigures, acquisition *acquisitionFigures, deltas map[string]string) notify.Digest {
	withDelta := func(value string, metric string) string {
		if delta, ok := deltas[metric]; ok {
			return fmt.Sprintf("%s (%s)", value, delta)
		}
		return value
	}

	fields := []notify.Field{
		// Acquisition
		{Name: "New signups", Value: withDelta(fmt.Sprintf("%d", snapshot.NewSignups), "new_signups"), Inline: true},
		{Name: "New trials", Value: withDelta(fmt.Sprintf("%d", snapshot.NewTrials), "new_trials"), Inline: true},
		{Name: "New paying", Value: withDelta(fmt.Sprintf("%d", snapshot.NewPayingSubscribers), "new_paying_subscribers"), Inline: true},

		// Engagement & revenue
		{Name: "WAU", Value: withDelta(fmt.Sprintf("%d", snapshot.WAU), "wau"), Inline: true},
		{Name: "Activation rate", Value: withDelta(fmt.Sprintf("%.2f%%", snapshot.ActivationRate), "activation_rate"), Inline: true},
		{Name: "MRR", Value: withDelta(fmt.Sprintf("%.2f", snapshot.MRR), "mrr"), Inline: true},
		{Name: "Active subscribers", Value: withDelta(fmt.Sprintf("%d", snapshot.ActiveSubscribers), "active_subscribers"), Inline: true},
		{Name: "Churn rate", Value: fmt.Sprintf("%.2f%%", snapshot.ChurnRate), Inline: true},
		{Name: "Trial → paid", Value: fmt.Sprintf("%.2f%%", snapshot.TrialToPaidConversionRate), Inline: true},
	}

	// Health
	if snapshot.D7Retention != nil {
		fields = append(fields, notify.Field{
			Name: "W1 retention", Value: fmt.Sprintf("%.2f%%", *snapshot.D7Retention), Inline: true,
		})
	}
	if engagement.degraded {
		fields = append(fields, notify.Field{
			Name: "Identity resolution", Value: "degraded (no identity links)", Inline: true,
		})
	}

	if len(engagement.topFeatures) > 0 {
		lines := make([]string, len(engagement.topFeatures))
		for i, feature := range engagement.topFeatures {
			lines[i] = fmt.Sprintf("%d. %s: %d users", i+1, feature.EventType, feature.Users)
		}
		fields = append(fields, notify.Field{Name: "Top features", Value: strings.Join(lines, "\n")})
	}

	return notify.Digest{
		Title: fmt.Sprintf("Weekly metrics %s", week.Key),
		Message: fmt.Sprintf("%s to %s · %d signups, %d activated",
			week.Start.Format("Jan 2"), week.End.Format("Jan 2"),
			snapshot.NewSignups, acquisition.activation.ActivatedUsers),
		Fields:    fields,
		DedupeKey: fmt.Sprintf("weekly-metrics-%s", week.Key),
		Priority:  notify.PriorityNormal,
	}
}
