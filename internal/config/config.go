// Package config loads the service configuration from ESCROW_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/params"
	"github.com/sheikh-saqib/milestone-escrow/internal/platform/logger"
	"github.com/sheikh-saqib/milestone-escrow/internal/workflow"
)

// Prefix is prepended to every variable name.
const Prefix = "ESCROW_"

type Config struct {
	HTTP     HTTPConfig     `envPrefix:"HTTP_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Log      logger.Config  `envPrefix:"LOG_"`
	Monitor  MonitorConfig  `envPrefix:"MONITOR_"`
	Voting   VotingConfig   `envPrefix:"VOTING_"`
	Deriver  params.Config  `envPrefix:"DERIVER_"`

	// Campaigns with a goal above this are reported as high budget.
	HighBudgetThreshold decimal.Decimal `env:"HIGH_BUDGET_THRESHOLD" envDefault:"100000"`
}

type HTTPConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// DatabaseConfig selects Postgres. An empty URL keeps state in memory.
type DatabaseConfig struct {
	URL string `env:"URL"`
}

// KafkaConfig selects the Kafka publisher. No brokers means events are logged.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"escrow-events"`
}

// RedisConfig selects the Redis nonce store. An empty address keeps nonces in memory.
type RedisConfig struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	NonceTTL time.Duration `env:"NONCE_TTL" envDefault:"720h"`
}

type MonitorConfig struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`
}

type VotingConfig struct {
	App               string        `env:"APP" envDefault:"milestone-escrow"`
	ApprovalThreshold float64       `env:"APPROVAL_THRESHOLD" envDefault:"75"`
	QuorumPercentage  float64       `env:"QUORUM_PERCENTAGE" envDefault:"0"`
	Window            time.Duration `env:"WINDOW" envDefault:"168h"`
	MaxRevisions      int           `env:"MAX_REVISIONS" envDefault:"1"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	if c.Voting.ApprovalThreshold <= 0 || c.Voting.ApprovalThreshold > 100 {
		errs = append(errs, fmt.Errorf("approval threshold %v must be in (0,100]", c.Voting.ApprovalThreshold))
	}
	if c.Voting.QuorumPercentage < 0 || c.Voting.QuorumPercentage > 100 {
		errs = append(errs, fmt.Errorf("quorum %v must be in [0,100]", c.Voting.QuorumPercentage))
	}
	if c.Voting.Window <= 0 {
		errs = append(errs, errors.New("voting window must be positive"))
	}
	if c.Voting.MaxRevisions < 0 {
		errs = append(errs, errors.New("max revisions cannot be negative"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor interval must be positive"))
	}
	if c.Deriver.PMin < 1 || c.Deriver.PMax < c.Deriver.PMin {
		errs = append(errs, fmt.Errorf("phase bounds [%d,%d] are invalid", c.Deriver.PMin, c.Deriver.PMax))
	}
	if c.HighBudgetThreshold.IsNegative() {
		errs = append(errs, errors.New("high budget threshold cannot be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DeriverConfig is the phase model configuration.
func (c Config) DeriverConfig() params.Config { return c.Deriver }

// EngineOptions maps the voting and policy settings onto the engine.
func (c Config) EngineOptions() workflow.Options {
	return workflow.Options{
		App:                 c.Voting.App,
		ApprovalThreshold:   c.Voting.ApprovalThreshold,
		QuorumPercentage:    c.Voting.QuorumPercentage,
		VotingWindow:        c.Voting.Window,
		MaxRevisions:        c.Voting.MaxRevisions,
		HighBudgetThreshold: c.HighBudgetThreshold,
	}
}
