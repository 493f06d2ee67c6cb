// Package config loads the per-project TOML configuration (model role
// defaults and escalation chain, permissions, context token budgets,
// team templates, rate limits, and budget ceiling) that the rest of
// the runtime is constructed from (spec.md §6.5, §6.6).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/treetopdevs/loom/internal/modelrouter"
	"github.com/treetopdevs/loom/internal/permissions"
	"github.com/treetopdevs/loom/internal/ratelimit"
)

// TemplateAgent is one {name, role} pair inside a team template.
type TemplateAgent struct {
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"`
}

// Team is a named, pre-configured set of agents a team can be spawned
// from in one call (spec.md §4.15 "spawn_from_template").
type Team struct {
	Agents []TemplateAgent `mapstructure:"agents"`
}

// Context holds the token budgets ContextWindow enforces (spec.md
// §6.5 "[context]").
type Context struct {
	MaxRepoMapTokens         int `mapstructure:"max_repo_map_tokens"`
	MaxDecisionContextTokens int `mapstructure:"max_decision_context_tokens"`
	ReservedOutputTokens     int `mapstructure:"reserved_output_tokens"`
}

// Budget is the per-team monetary ceiling (spec.md §6.5 "[budget]").
type Budget struct {
	LimitUSD float64 `mapstructure:"limit_usd"`
}

// RateLimit is one provider's token-bucket configuration (spec.md §6.5
// "[rate_limits.<provider>]").
type RateLimit struct {
	Capacity        int     `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// Model is the [model] section: default models per role plus the
// legacy weak/architect/editor tier labels.
type Model struct {
	Default   string `mapstructure:"default"`
	Weak      string `mapstructure:"weak"`
	Architect string `mapstructure:"architect"`
	Editor    string `mapstructure:"editor"`
	Escalation struct {
		Chain []string `mapstructure:"chain"`
	} `mapstructure:"escalation"`
}

// Permissions is the [permissions] section.
type Permissions struct {
	AutoApprove []string `mapstructure:"auto_approve"`
	Denied      []string `mapstructure:"denied"`
}

// Config is the fully decoded project configuration.
type Config struct {
	Model       Model                `mapstructure:"model"`
	Permissions Permissions          `mapstructure:"permissions"`
	Context     Context              `mapstructure:"context"`
	Team        struct {
		Templates map[string]Team `mapstructure:"templates"`
	} `mapstructure:"team"`
	RateLimits map[string]RateLimit `mapstructure:"rate_limits"`
	Budget     Budget               `mapstructure:"budget"`

	DBPath string
	Port   int
}

// Load reads the project TOML at path (or discovers loom.toml in the
// current directory when path is empty), applies `DB_PATH` and `PORT`
// environment overrides, and decodes the result (spec.md §6.5, §6.6).
// Provider API keys are not part of Config; APIKey reads them.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("db_path", "loom.db")
	v.SetDefault("port", 8080)
	_ = v.BindEnv("db_path", "DB_PATH")
	_ = v.BindEnv("port", "PORT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.DBPath = v.GetString("db_path")
	cfg.Port = v.GetInt("port")
	return cfg, nil
}

// APIKey resolves the `<PROVIDER>_API_KEY` environment variable for a
// provider name (e.g. "anthropic" -> ANTHROPIC_API_KEY), per spec.md
// §6.6.
func APIKey(provider string) string {
	v := viper.New()
	v.AutomaticEnv()
	key := strings.ToUpper(provider) + "_API_KEY"
	_ = v.BindEnv(key)
	return v.GetString(key)
}

// ModelRouterConfig projects the [model]/[model.escalation] sections
// into modelrouter.Config.
func (c Config) ModelRouterConfig() modelrouter.Config {
	return modelrouter.Config{
		Default: c.Model.Default,
		RoleDefaults: map[string]string{
			"weak":      c.Model.Weak,
			"architect": c.Model.Architect,
			"editor":    c.Model.Editor,
		},
		EscalationChain: c.Model.Escalation.Chain,
	}
}

// PermissionsConfig projects the [permissions] section into
// permissions.Config.
func (c Config) PermissionsConfig() permissions.Config {
	return permissions.Config{
		AutoApprove: c.Permissions.AutoApprove,
		Denied:      c.Permissions.Denied,
	}
}

// RateLimitProviders projects [rate_limits.*] into the map
// ratelimit.NewLimiter expects.
func (c Config) RateLimitProviders() map[string]ratelimit.ProviderConfig {
	out := make(map[string]ratelimit.ProviderConfig, len(c.RateLimits))
	for provider, rl := range c.RateLimits {
		out[provider] = ratelimit.ProviderConfig{Capacity: rl.Capacity, RefillPerSecond: rl.RefillPerSecond}
	}
	return out
}
