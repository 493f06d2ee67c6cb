package main

import (
	"fmt"

	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/config"
	"github.com/treetopdevs/loom/internal/costtracker"
	"github.com/treetopdevs/loom/internal/decisiongraph"
	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/llm/anthropic"
	"github.com/treetopdevs/loom/internal/llm/openai"
	"github.com/treetopdevs/loom/internal/modelrouter"
	"github.com/treetopdevs/loom/internal/permissions"
	"github.com/treetopdevs/loom/internal/queryrouter"
	"github.com/treetopdevs/loom/internal/ratelimit"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/taskmanager"
	"github.com/treetopdevs/loom/internal/teammanager"
	"github.com/treetopdevs/loom/internal/telemetry"
)

// runtime bundles every shared component a Session or a team of
// Agents is built from, constructed once per process invocation.
type runtime struct {
	cfg       config.Config
	store     store.Store
	bus       bus.Bus
	registry  *registry.Registry
	llm       *llm.Registry
	models    *modelrouter.Router
	costs     *costtracker.Tracker
	budget    *ratelimit.Budget
	perms     *permissions.Checker
	decisions *decisiongraph.Graph
	queries   *queryrouter.Router
	tasks     *taskmanager.Manager
	teams     *teammanager.Manager
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer
}

// newRuntime loads cfg from cfgFile and wires every shared component.
// Providers are registered only when their `<PROVIDER>_API_KEY`
// environment variable is set (spec.md §6.6); a project using a single
// provider never needs to configure the others.
func newRuntime(cfgFile string) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loomd: load config: %w", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("loomd: open store: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	b := bus.New()
	reg := registry.New()
	costs := costtracker.New()

	models := modelrouter.New(cfg.ModelRouterConfig(), costs)
	limiter := ratelimit.NewLimiter(cfg.RateLimitProviders())
	budget := ratelimit.NewBudget(limiter, costs, cfg.Budget.LimitUSD, ratelimit.WithMetrics(metrics))
	perms := permissions.New(s, cfg.PermissionsConfig())
	decisions := decisiongraph.New(s)
	queries := queryrouter.New(b)
	tasks := taskmanager.New(s, b)
	teams := teammanager.New(teammanager.Options{Store: s, Bus: b, Registry: reg, Templates: cfg.Team.Templates})

	llmRegistry := llm.NewRegistry(defaultProvider(cfg))
	registerProviders(llmRegistry)

	return &runtime{
		cfg: cfg, store: s, bus: b, registry: reg, llm: llmRegistry,
		models: models, costs: costs, budget: budget, perms: perms,
		decisions: decisions, queries: queries, tasks: tasks, teams: teams,
		logger: logger, metrics: metrics, tracer: tracer,
	}, nil
}

func defaultProvider(cfg config.Config) string {
	provider, _ := llm.ParseModel(cfg.Model.Default, "anthropic")
	return provider
}

// registerProviders wires every adapter in internal/llm/* whose API
// key is present in the environment. Bedrock needs an AWS SDK runtime
// client rather than a bare API key, so it is left to be registered by
// callers embedding loomd as a library, not by this CLI entrypoint.
func registerProviders(reg *llm.Registry) {
	if key := config.APIKey("anthropic"); key != "" {
		if c, err := anthropic.NewFromAPIKey(key, anthropic.Options{}); err == nil {
			reg.Register("anthropic", c)
		}
	}
	if key := config.APIKey("openai"); key != "" {
		if c, err := openai.NewFromAPIKey(key); err == nil {
			reg.Register("openai", c)
		}
	}
}
