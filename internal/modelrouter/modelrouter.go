// Package modelrouter resolves which model an agent should use for a
// role/task and tracks per-(team, agent, task) failure counts that
// drive escalation to a more capable model (spec.md §4.9).
package modelrouter

import (
	"context"
	"strings"
	"sync"

	"github.com/treetopdevs/loom/internal/costtracker"
	"github.com/treetopdevs/loom/internal/telemetry"
)

const defaultEscalationThreshold = 2

// Config is the static role/escalation configuration loaded from
// [model] and [model.escalation] in the project TOML (spec.md §6.5).
type Config struct {
	// RoleDefaults maps a role name ("coder", "architect", "editor",
	// "weak", ...) to its default model string.
	RoleDefaults map[string]string
	// Default is the global fallback model when no role default
	// applies.
	Default string
	// EscalationChain is ordered ascending by capability; Escalate
	// moves one step to the right.
	EscalationChain []string
	// TierLabels maps a legacy tier label ("weak", "strong") to a
	// concrete model string, used when a task's model_hint has no
	// provider prefix.
	TierLabels map[string]string
}

// EscalateKind enumerates the three possible Escalate outcomes.
type EscalateKind int

const (
	Escalated EscalateKind = iota
	MaxReached
	Disabled
)

// EscalateResult is the outcome of an Escalate call.
type EscalateResult struct {
	Kind      EscalateKind
	NextModel string
}

type taskKey struct {
	team  string
	agent string
	task  string
}

// Router implements ModelRouter (spec.md §4.9).
type Router struct {
	cfg     Config
	tracker *costtracker.Tracker
	onEvent func(ctx context.Context, evt telemetry.EscalationEvent)

	mu       sync.Mutex
	failures map[taskKey]int
}

// Option configures a Router constructed by New.
type Option func(*Router)

// WithEscalationHook installs a callback fired on every successful
// escalation, mirroring the "[team, escalation]" telemetry event.
func WithEscalationHook(fn func(ctx context.Context, evt telemetry.EscalationEvent)) Option {
	return func(r *Router) { r.onEvent = fn }
}

// New constructs a Router. tracker receives escalation-event records.
func New(cfg Config, tracker *costtracker.Tracker, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		tracker:  tracker,
		failures: make(map[taskKey]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select resolves the model to use for role, honoring an explicit
// modelHint on the task (if any) ahead of the role default.
func (r *Router) Select(role, modelHint string) string {
	if modelHint != "" {
		if strings.Contains(modelHint, ":") {
			return modelHint
		}
		if mapped, ok := r.cfg.TierLabels[modelHint]; ok {
			return mapped
		}
	}
	if model, ok := r.cfg.RoleDefaults[role]; ok && model != "" {
		return model
	}
	return r.cfg.Default
}

// RecordFailure increments the failure count for (team, agent, task).
func (r *Router) RecordFailure(team, agent, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[taskKey{team, agent, task}]++
}

// RecordSuccess clears the failure count for (team, agent, task).
func (r *Router) RecordSuccess(team, agent, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, taskKey{team, agent, task})
}

// FailureCount returns the current failure count for (team, agent,
// task), for tests and diagnostics.
func (r *Router) FailureCount(team, agent, task string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[taskKey{team, agent, task}]
}

// ShouldEscalate reports whether (team, agent, task)'s failure count
// has reached threshold (default 2 when threshold <= 0).
func (r *Router) ShouldEscalate(team, agent, task string, threshold int) bool {
	if threshold <= 0 {
		threshold = defaultEscalationThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[taskKey{team, agent, task}] >= threshold
}

// Escalate returns the next model in the configured chain after
// currentModel, recording the event in the CostTracker and firing the
// escalation telemetry hook on success.
func (r *Router) Escalate(ctx context.Context, team, agent, task, currentModel string) EscalateResult {
	chain := r.cfg.EscalationChain
	if len(chain) == 0 {
		return EscalateResult{Kind: Disabled}
	}
	idx := -1
	for i, m := range chain {
		if m == currentModel {
			idx = i
			break
		}
	}
	if idx == -1 || idx == len(chain)-1 {
		return EscalateResult{Kind: MaxReached}
	}
	next := chain[idx+1]

	if r.tracker != nil {
		r.tracker.RecordEscalation(telemetry.EscalationEvent{
			TeamID: team, Agent: agent, TaskID: task, FromModel: currentModel, ToModel: next,
		})
	}
	if r.onEvent != nil {
		r.onEvent(ctx, telemetry.EscalationEvent{TeamID: team, Agent: agent, TaskID: task, FromModel: currentModel, ToModel: next})
	}
	return EscalateResult{Kind: Escalated, NextModel: next}
}
