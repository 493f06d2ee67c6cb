// Package telemetry integrates the runtime with structured logging,
// metrics, and tracing. The interfaces are intentionally small so every
// package in this module (store, bus, agentloop, agent, ...) can accept
// a Logger/Metrics/Tracer without depending on a concrete backend, and
// tests can supply noop or recording stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation (LLM call latency, tool duration, escalation counts,
// budget ratios).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// LLMCallTelemetry captures observability metadata for one
// generate_text invocation (spec.md §4.5 step 3).
type LLMCallTelemetry struct {
	Model        string
	Provider     string
	DurationMs   int64
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Success      bool
}

// EscalationEvent is the payload of the "[team, escalation]" telemetry
// event fired by ModelRouter.Escalate (spec.md §4.9).
type EscalationEvent struct {
	TeamID    string
	Agent     string
	TaskID    string
	FromModel string
	ToModel   string
	At        time.Time
}

// BudgetWarningEvent is the payload of the "[team, budget, warning]"
// event fired once per team when usage crosses 80% of the ceiling
// (spec.md §4.7).
type BudgetWarningEvent struct {
	TeamID   string
	UsedUSD  float64
	LimitUSD float64
	Ratio    float64
}
