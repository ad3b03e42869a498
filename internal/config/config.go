package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Cache() CacheConfig
	Environment() EnvironmentConfig
	Runner() RunnerConfig
	Ledger() LedgerConfig
	Orchestrator() OrchestratorConfig

	SetOrchestratorConcurrency(int)
	SetRunnerTestTimeout(time.Duration)
	SetLedgerPath(string)
	SetOrchestrator(OrchestratorConfig)
}

// Config holds the entire application configuration. Fields are private to
// enforce access through the Interface's getter methods.
type Config struct {
	logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	environment  EnvironmentConfig  `mapstructure:"environment" yaml:"environment"`
	runner       RunnerConfig       `mapstructure:"runner" yaml:"runner"`
	ledger       LedgerConfig       `mapstructure:"ledger" yaml:"ledger"`
	orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
}

func (c *Config) Logger() LoggerConfig             { return c.logger }
func (c *Config) Cache() CacheConfig               { return c.cache }
func (c *Config) Environment() EnvironmentConfig   { return c.environment }
func (c *Config) Runner() RunnerConfig             { return c.runner }
func (c *Config) Ledger() LedgerConfig             { return c.ledger }
func (c *Config) Orchestrator() OrchestratorConfig { return c.orchestrator }

// CLI flags override the file-sourced values through these setters.
func (c *Config) SetOrchestratorConcurrency(n int)     { c.orchestrator.Concurrency = n }
func (c *Config) SetRunnerTestTimeout(d time.Duration) { c.runner.TestTimeout = d }
func (c *Config) SetLedgerPath(p string)               { c.ledger.Path = p }
func (c *Config) SetOrchestrator(o OrchestratorConfig) { c.orchestrator = o }

// LoggerConfig mirrors the observability package's needs: console or JSON
// output, optional rotated file sink.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// CacheConfig locates the persistent on-disk caches. Snapshots and
// environments live under Root; environments are the expensive part and get
// their own disk budget.
type CacheConfig struct {
	// Root defaults to ~/.fixbench.
	Root string `mapstructure:"root" yaml:"root"`
	// EnvironmentBudgetMB caps the environment cache size; LRU eviction of
	// unborrowed ready environments keeps it under this.
	EnvironmentBudgetMB int64 `mapstructure:"environment_budget_mb" yaml:"environment_budget_mb"`
	// FetchRateLimit caps remote git fetches per second across workers.
	FetchRateLimit float64 `mapstructure:"fetch_rate_limit" yaml:"fetch_rate_limit"`
}

// SnapshotDir is where materialized source trees are cached.
func (c CacheConfig) SnapshotDir() string { return filepath.Join(c.Root, "snapshots") }

// RepoDir is where shared per-repository clones live.
func (c CacheConfig) RepoDir() string { return filepath.Join(c.Root, "repos") }

// EnvDir is where installed environments live, keyed by manifest hash.
func (c CacheConfig) EnvDir() string { return filepath.Join(c.Root, "envs") }

// WorkDir is where disposable per-run working copies are created.
func (c CacheConfig) WorkDir() string { return filepath.Join(c.Root, "work") }

// LogDir is where per-run test output is captured.
func (c CacheConfig) LogDir() string { return filepath.Join(c.Root, "logs") }

// EnvironmentConfig tunes dependency installation.
type EnvironmentConfig struct {
	// PythonInterpreter is the base interpreter used to create venvs.
	PythonInterpreter string `mapstructure:"python_interpreter" yaml:"python_interpreter"`
	// InstallTimeout bounds a single install attempt (package downloads can
	// take minutes on large projects).
	InstallTimeout time.Duration `mapstructure:"install_timeout" yaml:"install_timeout"`
	// RetryBackoff is the wait before the single transient-failure retry.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// MaxConcurrentInstalls caps how many environments install at once;
	// resolver downloads saturate bandwidth well before CPU.
	MaxConcurrentInstalls int `mapstructure:"max_concurrent_installs" yaml:"max_concurrent_installs"`
}

// RunnerConfig tunes test execution.
type RunnerConfig struct {
	// DefaultTestCommand is used when a project's manifest declares none.
	DefaultTestCommand string `mapstructure:"default_test_command" yaml:"default_test_command"`
	// TestTimeout is the hard per-suite timeout; on expiry the process tree
	// is killed and pending tests become errors.
	TestTimeout time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
	// ExclusionsFile points at the curated flaky-test exclusion list.
	ExclusionsFile string `mapstructure:"exclusions_file" yaml:"exclusions_file"`
}

// LedgerConfig locates the durable output artifact.
type LedgerConfig struct {
	// Path is the append-only CSV ledger, the core's sole guaranteed output.
	Path string `mapstructure:"path" yaml:"path"`
	// PostgresURL, when set, mirrors rows into Postgres for ad-hoc SQL.
	// Mirror failures are logged, never fatal.
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// OrchestratorConfig tunes queue processing.
type OrchestratorConfig struct {
	// Concurrency is the number of parallel pipeline workers.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// StateFile persists per-pair pipeline state for pause/resume.
	StateFile string `mapstructure:"state_file" yaml:"state_file"`
	// Baseline runs the pre-fix snapshot's tests unpatched before evaluating
	// candidates, so fail-to-pass transitions are computable.
	Baseline bool `mapstructure:"baseline" yaml:"baseline"`
	// SkipLLM drops llm:* candidates from the queue (human-only runs).
	SkipLLM bool `mapstructure:"skip_llm" yaml:"skip_llm"`
}

// SetDefaults registers every default value with viper. Called before
// ReadInConfig so a missing config file still yields a runnable setup.
func SetDefaults(v *viper.Viper) {
	home, err := homedir.Dir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".fixbench")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "fixbench")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("cache.root", root)
	v.SetDefault("cache.environment_budget_mb", 20*1024)
	v.SetDefault("cache.fetch_rate_limit", 1.0)

	v.SetDefault("environment.python_interpreter", "python3")
	v.SetDefault("environment.install_timeout", 20*time.Minute)
	v.SetDefault("environment.retry_backoff", 15*time.Second)
	v.SetDefault("environment.max_concurrent_installs", 2)

	v.SetDefault("runner.default_test_command", "python -m pytest")
	v.SetDefault("runner.test_timeout", 30*time.Minute)

	v.SetDefault("ledger.path", filepath.Join(root, "results", "results.csv"))

	v.SetDefault("orchestrator.concurrency", 2)
	v.SetDefault("orchestrator.state_file", filepath.Join(root, "state", "runs.json"))
	v.SetDefault("orchestrator.baseline", true)
}

// Load unmarshals the viper-backed configuration into a Config. Viper cannot
// populate private fields, so this staging struct bridges the two.
func Load(v *viper.Viper) (*Config, error) {
	var staged struct {
		Logger       LoggerConfig       `mapstructure:"logger"`
		Cache        CacheConfig        `mapstructure:"cache"`
		Environment  EnvironmentConfig  `mapstructure:"environment"`
		Runner       RunnerConfig       `mapstructure:"runner"`
		Ledger       LedgerConfig       `mapstructure:"ledger"`
		Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	}
	if err := v.Unmarshal(&staged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &Config{
		logger:       staged.Logger,
		cache:        staged.Cache,
		environment:  staged.Environment,
		runner:       staged.Runner,
		ledger:       staged.Ledger,
		orchestrator: staged.Orchestrator,
	}, nil
}
