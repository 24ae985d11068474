package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/crewdock/crewd/pkg/domain"
)

// Config holds all configuration for the crewd coordinator.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"CREWD_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"CREWD_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: "memory" or "redis"
	StoreBackend string `env:"CREWD_STORE_BACKEND" envDefault:"memory"`

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Budget window
	Budget BudgetConfig

	// Scheduler behavior
	Scheduler SchedulerConfig

	// Worker roster, JSON encoded. Defaults to the built-in fleet.
	RosterJSON string `env:"CREWD_ROSTER" envDefault:""`

	// Timeouts
	Timeouts TimeoutConfig

	roster domain.Roster
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// LLMConfig holds model provider configuration.
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// BudgetConfig holds the spend window parameters.
type BudgetConfig struct {
	WindowLimit    float64       `env:"BUDGET_WINDOW_LIMIT" envDefault:"10.0"`
	WindowDuration time.Duration `env:"BUDGET_WINDOW_DURATION" envDefault:"1h"`
}

// SchedulerConfig holds the orchestrator's scheduling knobs.
type SchedulerConfig struct {
	Interval            time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"200ms"`
	MaxAttempts         int           `env:"SCHEDULER_MAX_ATTEMPTS" envDefault:"3"`
	TaskTimeout         time.Duration `env:"SCHEDULER_TASK_TIMEOUT" envDefault:"300s"`
	CacheTTL            time.Duration `env:"SCHEDULER_CACHE_TTL" envDefault:"30m"`
	MaxHoldPasses       int           `env:"SCHEDULER_MAX_HOLD_PASSES" envDefault:"150"`
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds process-level timeouts.
type TimeoutConfig struct {
	RequestTimeout  time.Duration `env:"TIMEOUT_REQUEST" envDefault:"3600s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// defaultRoster is the built-in specialist fleet: one worker per capability
// plus the coordinator, with cheaper substitutes for degraded budget tiers.
var defaultRoster = domain.Roster{
	{ID: "researcher-1", Role: domain.CapabilityResearch, CostTier: 1.0, MaxConcurrent: 2, DegradedSubstituteRole: domain.CapabilityGeneric},
	{ID: "analyst-1", Role: domain.CapabilityAnalyze, CostTier: 1.5, MaxConcurrent: 2, DegradedSubstituteRole: domain.CapabilityGeneric},
	{ID: "writer-1", Role: domain.CapabilityWrite, CostTier: 1.2, MaxConcurrent: 2, DegradedSubstituteRole: domain.CapabilityGeneric},
	{ID: "coordinator", Role: domain.CapabilityCoordinate, CostTier: 2.0, MaxConcurrent: 1},
	{ID: "generalist-1", Role: domain.CapabilityGeneric, CostTier: 0.5, MaxConcurrent: 4},
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.RosterJSON == "" {
		cfg.roster = defaultRoster
	} else {
		var roster domain.Roster
		if err := json.Unmarshal([]byte(cfg.RosterJSON), &roster); err != nil {
			return nil, fmt.Errorf("failed to parse roster: %w", err)
		}
		cfg.roster = roster
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Roster returns the validated worker fleet.
func (c *Config) Roster() domain.Roster {
	if c.roster == nil {
		return defaultRoster
	}
	return c.roster
}

// Validate checks if the configuration is valid. Validation happens once at
// startup; components trust the config afterwards.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", c.StoreBackend)
	}

	if c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if c.Budget.WindowLimit <= 0 {
		return fmt.Errorf("budget window limit must be positive")
	}
	if c.Budget.WindowDuration <= 0 {
		return fmt.Errorf("budget window duration must be positive")
	}

	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.Scheduler.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive")
	}
	if c.Scheduler.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	roster := c.Roster()
	if len(roster) == 0 {
		return fmt.Errorf("worker roster must not be empty")
	}
	seen := make(map[string]bool, len(roster))
	for _, w := range roster {
		if w.ID == "" {
			return fmt.Errorf("worker id is required")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id: %s", w.ID)
		}
		seen[w.ID] = true
		if w.MaxConcurrent < 1 {
			return fmt.Errorf("worker %s: max concurrent must be at least 1", w.ID)
		}
		if w.CostTier <= 0 {
			return fmt.Errorf("worker %s: cost tier must be positive", w.ID)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
