// Package health derives fleet-wide and per-subscription health
// classifications from store aggregates. It is read-only: probes never
// touch the network and recommendations carry no side effects.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/hooksmith/hooksmith/internal/domain"
	"github.com/hooksmith/hooksmith/internal/registry"
	"github.com/hooksmith/hooksmith/internal/store"
)

// Fleet health classifications.
const (
	HealthNoSubscriptions = "no_subscriptions"
	HealthCritical        = "critical"
	HealthWarning         = "warning"
	HealthGood            = "good"
	HealthExcellent       = "excellent"
)

// Per-subscription health states.
const (
	SubInactive = "inactive"
	SubError    = "error"
	SubPending  = "pending"
	SubStale    = "stale"
	SubHealthy  = "healthy"
)

// StaleWindow is the single staleness threshold used everywhere: a
// subscription is stale when its last successful delivery (or its creation,
// if it never delivered) is older than this.
const StaleWindow = 24 * time.Hour

// StatsSource is the slice of the store the evaluator reads from.
type StatsSource interface {
	FleetCounts(ctx context.Context, staleHours int) (*store.FleetCounts, error)
	DailyActivity(ctx context.Context, days int) ([]store.DailyActivity, error)
	ListSubscriptions(ctx context.Context, f store.ListFilter) ([]domain.Subscription, error)
}

// Evaluator computes health state over a subscription store.
type Evaluator struct {
	store    StatsSource
	registry *registry.Registry
	now      func() time.Time
}

func NewEvaluator(s StatsSource, reg *registry.Registry) *Evaluator {
	return &Evaluator{store: s, registry: reg, now: time.Now}
}

// Report is the fleet-wide health check result.
type Report struct {
	OverallHealth   string                `json:"overall_health"`
	Statistics      store.FleetCounts     `json:"statistics"`
	RecentActivity  []store.DailyActivity `json:"recent_activity"`
	Recommendations []string              `json:"recommendations"`
}

// HealthCheck assembles the fleet report: aggregates, classification, the
// last week of activity and advisory recommendations.
func (e *Evaluator) HealthCheck(ctx context.Context) (*Report, error) {
	counts, err := e.store.FleetCounts(ctx, int(StaleWindow.Hours()))
	if err != nil {
		return nil, fmt.Errorf("loading fleet counts: %w", err)
	}

	activity, err := e.store.DailyActivity(ctx, 7)
	if err != nil {
		return nil, fmt.Errorf("loading recent activity: %w", err)
	}

	return &Report{
		OverallHealth:   Classify(counts.Total, counts.Active, counts.WithErrors, counts.Stale),
		Statistics:      *counts,
		RecentActivity:  activity,
		Recommendations: Recommendations(counts),
	}, nil
}

// Classify buckets the fleet by error, staleness and active rates, all
// computed against the total (zero total short-circuits).
func Classify(total, active, withErrors, stale int) string {
	if total == 0 {
		return HealthNoSubscriptions
	}

	errorRate := float64(withErrors) / float64(total) * 100
	staleRate := float64(stale) / float64(total) * 100
	activeRate := float64(active) / float64(total) * 100

	switch {
	case errorRate > 20 || staleRate > 50:
		return HealthCritical
	case errorRate > 10 || staleRate > 30 || activeRate < 80:
		return HealthWarning
	case activeRate >= 95 && errorRate < 5:
		return HealthExcellent
	default:
		return HealthGood
	}
}

// SubscriptionHealth classifies a single subscription. Inactivity dominates,
// then errors; a never-triggered subscription is pending until the stale
// window elapses.
func (e *Evaluator) SubscriptionHealth(sub *domain.Subscription) string {
	if !sub.IsActive() {
		return SubInactive
	}
	if sub.LastError != nil {
		return SubError
	}

	now := e.now()
	if sub.LastTriggeredAt == nil {
		if now.Sub(sub.CreatedAt) > StaleWindow {
			return SubStale
		}
		return SubPending
	}
	if now.Sub(*sub.LastTriggeredAt) > StaleWindow {
		return SubStale
	}
	return SubHealthy
}

// ValidationResult reports the structural checks on a subscription. No
// network probe is performed.
type ValidationResult struct {
	IsValid bool             `json:"is_valid"`
	Checks  ValidationChecks `json:"checks"`
}

type ValidationChecks struct {
	TargetExists bool `json:"target_exists"`
	URLValid     bool `json:"url_valid"`
	EventsValid  bool `json:"events_valid"`
}

// Validate runs the structural checks: the target is registered, the URL
// parses, and every subscribed event is allowed for the target.
func (e *Evaluator) Validate(sub *domain.Subscription) ValidationResult {
	checks := ValidationChecks{
		TargetExists: e.registry.Has(sub.TargetClass),
		URLValid:     domain.ValidEndpointURL(sub.EndpointURL),
		EventsValid:  len(sub.Events) > 0,
	}
	if checks.TargetExists && checks.EventsValid {
		for _, event := range sub.Events {
			if !e.registry.AllowsEvent(sub.TargetClass, event) {
				checks.EventsValid = false
				break
			}
		}
	}
	return ValidationResult{
		IsValid: checks.TargetExists && checks.URLValid && checks.EventsValid,
		Checks:  checks,
	}
}

// Recommendations turns fleet counts into advisory strings.
func Recommendations(counts *store.FleetCounts) []string {
	recs := []string{}
	if counts.Total == 0 {
		return append(recs, "no subscriptions registered; create one to start receiving notifications")
	}
	if counts.WithErrors > 0 {
		recs = append(recs, fmt.Sprintf("%d subscription(s) have delivery errors; inspect their endpoints or run a test delivery", counts.WithErrors))
	}
	if counts.Stale > counts.Total/2 {
		recs = append(recs, fmt.Sprintf("%d of %d subscriptions are stale; verify the watched targets still emit changes", counts.Stale, counts.Total))
	}
	if counts.Inactive > counts.Active {
		recs = append(recs, fmt.Sprintf("%d inactive subscription(s) outnumber active ones; consider cleaning them up", counts.Inactive))
	}
	if len(recs) == 0 {
		recs = append(recs, "all subscriptions look healthy")
	}
	return recs
}

// SubscriptionDetail pairs a subscription with its computed health state.
type SubscriptionDetail struct {
	Subscription domain.Subscription `json:"subscription"`
	Health       string              `json:"health"`
}

// DetailedHealth returns per-subscription health for a page of subscriptions
// matching the filter.
func (e *Evaluator) DetailedHealth(ctx context.Context, f store.ListFilter) ([]SubscriptionDetail, error) {
	subs, err := e.store.ListSubscriptions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	details := make([]SubscriptionDetail, 0, len(subs))
	for i := range subs {
		subs[i].SecretKey = ""
		details = append(details, SubscriptionDetail{
			Subscription: subs[i],
			Health:       e.SubscriptionHealth(&subs[i]),
		})
	}
	return details, nil
}

// Analytics aggregates daily activity over a trailing window.
type Analytics struct {
	Days           int                   `json:"days"`
	Activity       []store.DailyActivity `json:"activity"`
	TotalCreated   int                   `json:"total_created"`
	TotalTriggered int                   `json:"total_triggered"`
}

// Analytics returns trend aggregates for the last N days.
func (e *Evaluator) Analytics(ctx context.Context, days int) (*Analytics, error) {
	if days <= 0 {
		days = 7
	}
	activity, err := e.store.DailyActivity(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("loading daily activity: %w", err)
	}

	a := &Analytics{Days: days, Activity: activity}
	for _, day := range activity {
		a.TotalCreated += day.Created
		a.TotalTriggered += day.Triggered
	}
	return a, nil
}
