package ratelimit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/costtracker"
	"github.com/treetopdevs/loom/internal/ratelimit"
	"github.com/treetopdevs/loom/internal/telemetry"
)

func TestAcquireOkWithinCapacity(t *testing.T) {
	limiter := ratelimit.NewLimiter(map[string]ratelimit.ProviderConfig{
		"anthropic": {Capacity: 10, RefillPerSecond: 1},
	})
	outcome := limiter.Acquire("anthropic", 1)
	require.Equal(t, ratelimit.Ok, outcome.Kind)
}

func TestAcquireWaitsWhenBucketExhausted(t *testing.T) {
	limiter := ratelimit.NewLimiter(map[string]ratelimit.ProviderConfig{
		"anthropic": {Capacity: 1, RefillPerSecond: 0.001},
	})
	first := limiter.Acquire("anthropic", 1)
	require.Equal(t, ratelimit.Ok, first.Kind)

	second := limiter.Acquire("anthropic", 1)
	require.Equal(t, ratelimit.Wait, second.Kind)
	require.Positive(t, second.Wait)
}

func TestBudgetRecordUsageFiresWarningAtEightyPercent(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil)
	tracker := costtracker.New()

	var fired []telemetry.BudgetWarningEvent
	budget := ratelimit.NewBudget(limiter, tracker, 1.0, ratelimit.WithWarningHook(func(ctx context.Context, evt telemetry.BudgetWarningEvent) {
		fired = append(fired, evt)
	}))

	budget.RecordUsage(context.Background(), "team-1", "alice", 0, 0, 0.5, "m", "")
	require.Empty(t, fired)

	budget.RecordUsage(context.Background(), "team-1", "alice", 0, 0, 0.35, "m", "")
	require.Len(t, fired, 1)
	require.InDelta(t, 0.85, fired[0].Ratio, 1e-9)

	// crossing again must not re-fire
	budget.RecordUsage(context.Background(), "team-1", "alice", 0, 0, 0.1, "m", "")
	require.Len(t, fired, 1)
}

func TestAcquireOrBudgetExceeded(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil)
	tracker := costtracker.New()
	budget := ratelimit.NewBudget(limiter, tracker, 0.10)

	budget.RecordUsage(context.Background(), "team-1", "alice", 0, 0, 0.12, "m", "")

	outcome := budget.AcquireOrBudget("team-1", "anthropic", 1)
	require.Equal(t, ratelimit.BudgetExceeded, outcome.Kind)
	require.Equal(t, "team-1", outcome.Scope)
}
