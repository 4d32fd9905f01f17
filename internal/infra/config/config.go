package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"convergio/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Budget     BudgetConfig     `yaml:"budget"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Providers  []ProviderConfig `yaml:"providers"`
	Agents     AgentsConfig     `yaml:"agents"`
	Routing    RoutingConfig    `yaml:"routing"`
	Delegation DelegationConfig `yaml:"delegation"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// LoggerConfig holds slog settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// BudgetConfig holds the session spend limit and the tier thresholds over
// the remaining-budget fraction. Thresholds are policy, not magic numbers:
// remaining > full → full tier; > balanced → balanced; > economy → economy;
// otherwise paused.
type BudgetConfig struct {
	LimitUSD          float64 `yaml:"limit_usd"`
	FullThreshold     float64 `yaml:"full_threshold"`
	BalancedThreshold float64 `yaml:"balanced_threshold"`
	EconomyThreshold  float64 `yaml:"economy_threshold"`
}

// GatewayConfig holds retry and circuit-breaker tuning for provider calls.
type GatewayConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
	BreakerInterval    time.Duration `yaml:"breaker_interval"`
}

// PoolConfig holds HTTP connection pool sizing for one provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig describes one LLM backend adapter.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"` // openai, anthropic, ollama
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"` // "enc:" prefix = encrypted at rest
	Model       string        `yaml:"model"`   // default model when request omits one
	RPM         int           `yaml:"rpm"`     // requests per minute, 0 = unlimited
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// AgentsConfig selects where agent definitions come from. Inline definitions
// take precedence; otherwise File is loaded.
type AgentsConfig struct {
	File        string                   `yaml:"file,omitempty"`
	Definitions []domain.AgentDefinition `yaml:"definitions,omitempty"`
	Coordinator string                   `yaml:"coordinator"` // agent answering direct requests
}

// RoutingConfig holds the tier→model downgrade table and the global last
// resort used when everything else is unavailable.
type RoutingConfig struct {
	Balanced   map[string]string `yaml:"balanced,omitempty"` // model ref → substitute ref
	Economy    map[string]string `yaml:"economy,omitempty"`
	LastResort string            `yaml:"last_resort"`
}

// DelegationConfig tunes the fan-out pipeline.
type DelegationConfig struct {
	MaxParallel     int           `yaml:"max_parallel"`
	BackgroundSlots int           `yaml:"background_slots"`
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	HistoryLimit    int           `yaml:"history_limit"` // bus messages retained per task
}

// StoreConfig holds the session event log location.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file, ":memory:" for ephemeral
}

// SchedulerConfig holds background bookkeeping schedules (cron expressions).
type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	LedgerSnapshot string `yaml:"ledger_snapshot"` // e.g. "*/5 * * * *"
	HistoryCompact string `yaml:"history_compact"`
}

// Default returns a Config with documented defaults applied.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Budget: BudgetConfig{
			LimitUSD:          5.00,
			FullThreshold:     0.75,
			BalancedThreshold: 0.25,
			EconomyThreshold:  0.03,
		},
		Gateway: GatewayConfig{
			MaxAttempts:        3,
			BaseDelay:          500 * time.Millisecond,
			MaxDelay:           10 * time.Second,
			BreakerMaxFailures: 5,
			BreakerCooldown:    30 * time.Second,
			BreakerInterval:    60 * time.Second,
		},
		Routing: RoutingConfig{LastResort: "ollama/llama3.2"},
		Delegation: DelegationConfig{
			MaxParallel:     5,
			BackgroundSlots: 2,
			DefaultDeadline: 120 * time.Second,
			HistoryLimit:    1000,
		},
		Store: StoreConfig{Path: ":memory:"},
		Scheduler: SchedulerConfig{
			Enabled:        false,
			LedgerSnapshot: "*/5 * * * *",
			HistoryCompact: "*/15 * * * *",
		},
	}
}

// Load reads, decrypts, and validates a YAML config file. Missing fields
// fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.decryptSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface deep inside the
// engine.
func (c *Config) Validate() error {
	if c.Budget.LimitUSD < 0 {
		return fmt.Errorf("budget.limit_usd must be >= 0")
	}
	if !(c.Budget.FullThreshold > c.Budget.BalancedThreshold &&
		c.Budget.BalancedThreshold > c.Budget.EconomyThreshold &&
		c.Budget.EconomyThreshold >= 0) {
		return fmt.Errorf("budget thresholds must satisfy full > balanced > economy >= 0")
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("gateway.max_attempts must be >= 1")
	}
	if c.Routing.LastResort != "" {
		if _, err := domain.ParseModelRef(c.Routing.LastResort); err != nil {
			return fmt.Errorf("routing.last_resort: %w", err)
		}
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("providers[%d]: unknown kind %q", i, p.Kind)
		}
	}
	if c.Delegation.MaxParallel < 1 {
		return fmt.Errorf("delegation.max_parallel must be >= 1")
	}
	return nil
}

// decryptSecrets resolves "enc:" prefixed provider API keys using the
// CONVERGIO_PASSPHRASE environment variable.
func (c *Config) decryptSecrets() error {
	passphrase := os.Getenv("CONVERGIO_PASSPHRASE")
	for i := range c.Providers {
		key := c.Providers[i].APIKey
		if !strings.HasPrefix(key, "enc:") {
			continue
		}
		if passphrase == "" {
			return fmt.Errorf("provider %q has an encrypted api_key but CONVERGIO_PASSPHRASE is not set", c.Providers[i].Name)
		}
		plain, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("provider %q: decrypt api_key: %w", c.Providers[i].Name, err)
		}
		c.Providers[i].APIKey = plain
	}
	return nil
}
