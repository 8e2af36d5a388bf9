// Package tsconfig loads TokenShield's nested configuration via
// github.com/spf13/viper, following the teacher's internal/config.Load
// shape (SetDefault calls per tunable, AutomaticEnv + explicit BindEnv
// for the operationally hot knobs, ${VAR} expansion for budget tier
// secrets) but scoped to one viper.Viper instance per Config rather than
// the teacher's package-global viper, since multiple TokenShield
// instances in one process must not share config state. See SPEC_FULL.md
// §6.2.
package tsconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tokenshield/tokenshield/internal/tslogger"
)

// ModulesConfig toggles which optional components are wired in.
// Defaults are all true except Router, per spec §6 Configuration.
// Ledger is only reported by Shield.HealthCheck: the ledger is constructed
// whether or not it is set.
type ModulesConfig struct {
	Guard   bool `mapstructure:"guard"`
	Cache   bool `mapstructure:"cache"`
	Context bool `mapstructure:"context"`
	Router  bool `mapstructure:"router"`
	Prefix  bool `mapstructure:"prefix"`
	Ledger  bool `mapstructure:"ledger"`
}

type GuardConfig struct {
	DebounceMs           int     `mapstructure:"debounce_ms"`
	MaxRequestsPerMinute int     `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64 `mapstructure:"max_cost_per_hour"`
	DeduplicateWindowMs  int     `mapstructure:"deduplicate_window_ms"`
	DeduplicateInFlight  bool    `mapstructure:"deduplicate_in_flight"`
	MinInputLength       int     `mapstructure:"min_input_length"`
	MaxInputTokens       int     `mapstructure:"max_input_tokens"`
}

type CacheConfig struct {
	MaxEntries          int     `mapstructure:"max_entries"`
	TTLMs               int     `mapstructure:"ttl_ms"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	Encoding            string  `mapstructure:"encoding"` // "minhash" | "holographic"
	Persist             bool    `mapstructure:"persist"`
}

type ContextConfig struct {
	MaxInputTokens   int `mapstructure:"max_input_tokens"`
	ReserveForOutput int `mapstructure:"reserve_for_output"`
}

type RouterTierConfig struct {
	ModelID       string  `mapstructure:"model_id"`
	MaxComplexity float64 `mapstructure:"max_complexity"`
}

type RouterConfig struct {
	Tiers               []RouterTierConfig `mapstructure:"tiers"`
	ComplexityThreshold float64            `mapstructure:"complexity_threshold"`
}

type PrefixConfig struct {
	Provider string `mapstructure:"provider"` // "openai" | "anthropic" | "google" | "auto"
}

type LedgerConfig struct {
	Persist bool   `mapstructure:"persist"`
	Feature string `mapstructure:"feature"`
}

type BreakerLimitsConfig struct {
	PerSession float64 `mapstructure:"per_session"`
	PerHour    float64 `mapstructure:"per_hour"`
	PerDay     float64 `mapstructure:"per_day"`
}

type BreakerConfig struct {
	Limits  BreakerLimitsConfig `mapstructure:"limits"`
	Action  string              `mapstructure:"action"` // "warn" | "throttle" | "stop"
	Persist bool                `mapstructure:"persist"`
}

type UserTierConfig struct {
	UserID       string  `mapstructure:"user_id"`
	DailyLimit   float64 `mapstructure:"daily_limit"`
	MonthlyLimit float64 `mapstructure:"monthly_limit"`
	Tier         string  `mapstructure:"tier"`
}

type BudgetsConfig struct {
	Users          []UserTierConfig `mapstructure:"users"`
	DefaultDaily   float64          `mapstructure:"default_daily"`
	DefaultMonthly float64          `mapstructure:"default_monthly"`
}

type UserBudgetConfig struct {
	Budgets BudgetsConfig `mapstructure:"budgets"`
}

// Config is TokenShield's full nested configuration, unmarshaled via
// viper per spec.md §6.
type Config struct {
	Modules    ModulesConfig    `mapstructure:"modules"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Context    ContextConfig    `mapstructure:"context"`
	Router     RouterConfig     `mapstructure:"router"`
	Prefix     PrefixConfig     `mapstructure:"prefix"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	UserBudget UserBudgetConfig `mapstructure:"user_budget"`
	Logging    tslogger.Config  `mapstructure:"logging"`
}

// Load reads configPath (a directory containing tokenshield.yaml) into
// a Config, applying defaults and environment overrides exactly as the
// teacher's internal/config.Load does, scoped to a private viper
// instance.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("tokenshield")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("tsconfig: reading config file: %w", err)
		}
	}

	expandBudgetSecrets(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("tsconfig: decoding config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("modules.guard", true)
	v.SetDefault("modules.cache", true)
	v.SetDefault("modules.context", true)
	v.SetDefault("modules.router", false)
	v.SetDefault("modules.prefix", true)
	v.SetDefault("modules.ledger", true)

	v.SetDefault("guard.min_input_length", 2)
	v.SetDefault("guard.max_requests_per_minute", 60)

	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl_ms", int((time.Hour).Milliseconds()))
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.encoding", "minhash")

	v.SetDefault("context.max_input_tokens", 8000)
	v.SetDefault("context.reserve_for_output", 1000)

	v.SetDefault("prefix.provider", "auto")

	v.SetDefault("breaker.action", "stop")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "")
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("guard.max_requests_per_minute", "TOKENSHIELD_GUARD_MAX_REQUESTS_PER_MINUTE")
	_ = v.BindEnv("guard.max_cost_per_hour", "TOKENSHIELD_GUARD_MAX_COST_PER_HOUR")
	_ = v.BindEnv("cache.ttl_ms", "TOKENSHIELD_CACHE_TTL_MS")
	_ = v.BindEnv("breaker.limits.per_session", "TOKENSHIELD_BREAKER_PER_SESSION")
	_ = v.BindEnv("breaker.limits.per_hour", "TOKENSHIELD_BREAKER_PER_HOUR")
	_ = v.BindEnv("breaker.limits.per_day", "TOKENSHIELD_BREAKER_PER_DAY")
	_ = v.BindEnv("breaker.action", "TOKENSHIELD_BREAKER_ACTION")
	_ = v.BindEnv("logging.level", "TOKENSHIELD_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "TOKENSHIELD_LOG_FORMAT")
}

// expandBudgetSecrets resolves "${VAR}" placeholders in per-user tier
// names, the way the teacher expands provider.api_key, so a deployment
// can point a user's tier override at an env-configured model id
// without baking it into the YAML.
func expandBudgetSecrets(v *viper.Viper) {
	raw, ok := v.Get("user_budget.budgets.users").([]interface{})
	if !ok {
		return
	}
	for i, userRaw := range raw {
		user, ok := userRaw.(map[string]interface{})
		if !ok {
			continue
		}
		if tier, ok := user["tier"].(string); ok {
			user["tier"] = expandVar(tier)
		}
		raw[i] = user
	}
	v.Set("user_budget.budgets.users", raw)
}

func expandVar(s string) string {
	if len(s) > 3 && strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := s[2 : len(s)-1]
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return s
}
