// Package ratelimit implements the per-provider token-bucket limiter
// and the per-team monetary budget ceiling described in spec.md §4.7.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/treetopdevs/loom/internal/costtracker"
	"github.com/treetopdevs/loom/internal/telemetry"
)

// ProviderConfig configures one provider's token bucket.
type ProviderConfig struct {
	Capacity        int
	RefillPerSecond float64
}

// Outcome is the three-way result of an Acquire/AcquireOrBudget call.
type Outcome struct {
	Kind     OutcomeKind
	Wait     time.Duration // set when Kind == Wait
	Scope    string        // set when Kind == BudgetExceeded
	Provider string        // set when Kind == Wait
}

// OutcomeKind enumerates the three Acquire outcomes.
type OutcomeKind int

const (
	Ok OutcomeKind = iota
	Wait
	BudgetExceeded
)

// Limiter is a per-provider token-bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	defaults ProviderConfig
	configs  map[string]ProviderConfig
}

// NewLimiter constructs a Limiter. providers maps provider name to its
// bucket configuration; providers not present fall back to a generous
// default (60 requests/min, burst 60).
func NewLimiter(providers map[string]ProviderConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		configs: providers,
		defaults: ProviderConfig{
			Capacity:        60,
			RefillPerSecond: 1,
		},
	}
}

func (l *Limiter) bucketFor(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[provider]; ok {
		return b
	}
	cfg, ok := l.configs[provider]
	if !ok {
		cfg = l.defaults
	}
	b := rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
	l.buckets[provider] = b
	return b
}

// Acquire attempts to deduct cost tokens from provider's bucket. It
// returns Ok immediately if tokens are available, or Wait with the
// earliest refill delay otherwise (spec.md §4.7).
func (l *Limiter) Acquire(provider string, cost int) Outcome {
	b := l.bucketFor(provider)
	now := time.Now()
	res := b.ReserveN(now, cost)
	if !res.OK() {
		// cost exceeds the bucket's burst capacity outright; treat as
		// an unbounded wait rather than silently allowing it through.
		return Outcome{Kind: Wait, Wait: time.Hour, Provider: provider}
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return Outcome{Kind: Ok}
	}
	res.CancelAt(now)
	return Outcome{Kind: Wait, Wait: delay, Provider: provider}
}

// Budget enforces a per-team monetary ceiling on top of a Limiter,
// delegating per-agent accounting to a costtracker.Tracker.
type Budget struct {
	mu        sync.Mutex
	limiter   *Limiter
	tracker   *costtracker.Tracker
	limitUSD  float64
	warned    map[string]bool
	onWarning func(ctx context.Context, evt telemetry.BudgetWarningEvent)
	metrics   telemetry.Metrics
}

// BudgetOption configures a Budget constructed by NewBudget.
type BudgetOption func(*Budget)

// WithWarningHook installs a callback fired exactly once per team when
// usage first crosses 80% of the ceiling.
func WithWarningHook(fn func(ctx context.Context, evt telemetry.BudgetWarningEvent)) BudgetOption {
	return func(b *Budget) { b.onWarning = fn }
}

// WithMetrics attaches a metrics sink for budget ratio gauges.
func WithMetrics(m telemetry.Metrics) BudgetOption {
	return func(b *Budget) { b.metrics = m }
}

// NewBudget constructs a Budget with a fixed monetary ceiling in USD.
func NewBudget(limiter *Limiter, tracker *costtracker.Tracker, limitUSD float64, opts ...BudgetOption) *Budget {
	b := &Budget{
		limiter:  limiter,
		tracker:  tracker,
		limitUSD: limitUSD,
		warned:   make(map[string]bool),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordUsage increments the team total and per-agent tally, firing
// the 80%-crossing warning event at most once per team.
func (b *Budget) RecordUsage(ctx context.Context, team, agent string, inputTokens, outputTokens int64, cost float64, model, taskID string) {
	b.tracker.RecordUsage(team, agent, inputTokens, outputTokens, cost, model, taskID)

	if b.limitUSD <= 0 {
		return
	}
	total := b.tracker.TeamTotalCost(team)
	ratio := total / b.limitUSD
	b.metrics.RecordGauge("budget_usage_ratio", ratio, "team", team)

	b.mu.Lock()
	alreadyWarned := b.warned[team]
	if ratio >= 0.8 && !alreadyWarned {
		b.warned[team] = true
	}
	shouldWarn := ratio >= 0.8 && !alreadyWarned
	b.mu.Unlock()

	if shouldWarn && b.onWarning != nil {
		b.onWarning(ctx, telemetry.BudgetWarningEvent{TeamID: team, UsedUSD: total, LimitUSD: b.limitUSD, Ratio: ratio})
	}
}

// AcquireOrBudget checks the team's budget ceiling first, then falls
// through to the rate limiter when under ceiling.
func (b *Budget) AcquireOrBudget(team, provider string, cost int) Outcome {
	if b.limitUSD > 0 && b.tracker.TeamTotalCost(team) >= b.limitUSD {
		return Outcome{Kind: BudgetExceeded, Scope: team}
	}
	return b.limiter.Acquire(provider, cost)
}

// ResetWarning clears the warned flag for team, used when a team's
// budget ceiling is raised or the team is reset.
func (b *Budget) ResetWarning(team string) {
	b.mu.Lock()
	delete(b.warned, team)
	b.mu.Unlock()
}

// Error renders an Outcome as a user-facing message ("Budget exceeded
// (<scope>)." or a rate-limit wait notice). AgentLoop builds its own
// error text and does not call it.
func (o Outcome) Error() string {
	switch o.Kind {
	case BudgetExceeded:
		return fmt.Sprintf("Budget exceeded (%s).", o.Scope)
	case Wait:
		return fmt.Sprintf("rate limited on %s, retry after %s", o.Provider, o.Wait)
	default:
		return ""
	}
}
