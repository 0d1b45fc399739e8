// Package funnel computes the signup activation funnel: how many users who
// signed up in a period performed a meaningful action within their first week.
package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"lunary-metrics/internal/events"
)

// ActivationWindow is how long after the signup instant an activation event
// still counts. The window rolls from each user's own signup time rather than
// aligning to calendar days.
const ActivationWindow = 7 * 24 * time.Hour

// PlanBucket classifies a user's subscription state for funnel breakdowns.
type PlanBucket string

const (
	PlanFree    PlanBucket = "free"
	PlanPaid    PlanBucket = "paid"
	PlanUnknown PlanBucket = "unknown"
)

// PlanBuckets returns all buckets in display order.
func PlanBuckets() []PlanBucket {
	return []PlanBucket{PlanFree, PlanPaid, PlanUnknown}
}

// DailyPoint is one day of the signup trend, keyed by signup calendar day.
type DailyPoint struct {
	Date      string  `json:"date"`
	Signups   int     `json:"signups"`
	Activated int     `json:"activated"`
	Rate      float64 `json:"rate"`
}

// Result is the activation funnel for one signup cohort.
type Result struct {
	TotalSignups   int     `json:"totalSignups"`
	ActivatedUsers int     `json:"activatedUsers"`
	// Rate is a percentage; 0 when the cohort is empty.
	Rate float64 `json:"rate"`

	// ByEventType counts activated users per first-week event type. A user
	// appears under every type they triggered within the window.
	ByEventType map[string]int `json:"byEventType"`

	// ByEventTypeAndPlan splits each event type count by plan bucket. Every
	// bucket is present for every type, zero or not.
	ByEventTypeAndPlan map[string]map[PlanBucket]int `json:"byEventTypeAndPlan"`

	// DailyTrend is bucketed by signup day, ascending.
	DailyTrend []DailyPoint `json:"dailyTrend"`
}

// Calculator computes activation funnels from the event store.
type Calculator struct {
	store  *events.Store
	logger *slog.Logger

	activationTypes []string
	planChangeTypes []string
}

// New creates a funnel calculator. activationTypes are the event types that
// count as activation; planChangeTypes are the events that move a user
// between plan buckets.
func New(store *events.Store, logger *slog.Logger, activationTypes, planChangeTypes []string) *Calculator {
	return &Calculator{
		store:           store,
		logger:          logger,
		activationTypes: activationTypes,
		planChangeTypes: planChangeTypes,
	}
}

// DefaultActivationTypes are the product actions that count as activation.
var DefaultActivationTypes = []string{
	"horoscope_viewed", "compatibility_checked", "tarot_drawn",
	"grimoire_entry_read", "question_asked",
}

// DefaultPlanChangeTypes are the events that change a user's plan.
var DefaultPlanChangeTypes = []string{
	"trial_started", "trial_converted", "subscription_started",
	"subscription_changed", "subscription_cancelled",
}

// ComputeActivation computes the funnel for users who signed up in
// [start, end).
func (c *Calculator) ComputeActivation(ctx context.Context, start, end time.Time) (*Result, error) {
	signups, err := c.store.ListSignups(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load signup cohort: %w", err)
	}
	if len(signups) == 0 {
		return emptyResult(), nil
	}

	userIDs := make([]string, len(signups))
	for i, signup := range signups {
		userIDs[i] = signup.ID
	}

	activationEvents, err := c.store.ListUserEvents(ctx, userIDs, c.activationTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to load activation events: %w", err)
	}
	planEvents, err := c.store.ListUserEvents(ctx, userIDs, c.planChangeTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan change events: %w", err)
	}

	return computeActivation(signups, activationEvents, planEvents, ActivationWindow), nil
}

func emptyResult() *Result {
	return &Result{
		ByEventType:        map[string]int{},
		ByEventTypeAndPlan: map[string]map[PlanBucket]int{},
		DailyTrend:         []DailyPoint{},
	}
}

// computeActivation is the pure core: it joins the cohort against its events
// entirely in memory.
func computeActivation(signups []events.Signup, activationEvents, planEvents []events.UserEvent, window time.Duration) *Result {
	result := emptyResult()
	result.TotalSignups = len(signups)

	signupAt := make(map[string]time.Time, len(signups))
	for _, signup := range signups {
		signupAt[signup.ID] = signup.SignupTime()
	}

	// Activation events per user, filtered to each user's own window. Both
	// window boundaries are inclusive. activatedAt tracks each user's first
	// qualifying activation instant.
	userEventTypes := make(map[string]map[string]struct{})
	activatedAt := make(map[string]time.Time)
	for _, event := range activationEvents {
		startAt, ok := signupAt[event.UserID]
		if !ok {
			continue
		}
		at := event.Time()
		if at.Before(startAt) || at.After(startAt.Add(window)) {
			continue
		}
		if userEventTypes[event.UserID] == nil {
			userEventTypes[event.UserID] = make(map[string]struct{})
		}
		userEventTypes[event.UserID][event.EventType] = struct{}{}
		if first, seen := activatedAt[event.UserID]; !seen || at.Before(first) {
			activatedAt[event.UserID] = at
		}
	}
	result.ActivatedUsers = len(userEventTypes)
	if result.TotalSignups > 0 {
		result.Rate = float64(result.ActivatedUsers) / float64(result.TotalSignups) * 100
	}

	// Plan bucket per user: the last plan change at or before the user's
	// first activation wins, so a subscription started later never
	// reclassifies an activation that happened on the free plan. Events
	// arrive ordered ascending, so a plain overwrite implements
	// last-write-wins.
	userBucket := make(map[string]PlanBucket, len(signups))
	for _, signup := range signups {
		userBucket[signup.ID] = PlanFree
	}
	for _, event := range planEvents {
		cutoff, ok := activatedAt[event.UserID]
		if !ok {
			continue
		}
		if event.Time().After(cutoff) {
			continue
		}
		userBucket[event.UserID] = bucketForPlanType(event.PlanType)
	}

	// Breakdowns
	for userID, types := range userEventTypes {
		bucket := userBucket[userID]
		for eventType := range types {
			result.ByEventType[eventType]++
			if result.ByEventTypeAndPlan[eventType] == nil {
				result.ByEventTypeAndPlan[eventType] = map[PlanBucket]int{
					PlanFree: 0, PlanPaid: 0, PlanUnknown: 0,
				}
			}
			result.ByEventTypeAndPlan[eventType][bucket]++
		}
	}

	// Daily trend by signup day
	byDay := make(map[string]*DailyPoint)
	for _, signup := range signups {
		day := signup.SignupTime().Format("2006-01-02")
		point := byDay[day]
		if point == nil {
			point = &DailyPoint{Date: day}
			byDay[day] = point
		}
		point.Signups++
		if _, activated := userEventTypes[signup.ID]; activated {
			point.Activated++
		}
	}
	for _, point := range byDay {
		if point.Signups > 0 {
			point.Rate = float64(point.Activated) / float64(point.Signups) * 100
		}
		result.DailyTrend = append(result.DailyTrend, *point)
	}
	sort.Slice(result.DailyTrend, func(i, j int) bool {
		return result.DailyTrend[i].Date < result.DailyTrend[j].Date
	})

	return result
}

// bucketForPlanType maps a plan change event's plan to a bucket. Paid plans
// are the recurring ones; a trial is still free.
func bucketForPlanType(planType string) PlanBucket {
	switch planType {
	case "monthly", "yearly", "annual":
		return PlanPaid
	case "trial", "free", "":
		return PlanFree
	default:
		return PlanUnknown
	}
}
