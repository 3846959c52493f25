// Package config loads and validates arbiter configuration. Configuration
// lives at <workspace>/.arbiter/config.yaml; missing files yield defaults so
// a fresh workspace runs without setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all arbiter configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Profile selects the active deployment profile from Profiles.
	Profile string `yaml:"profile"`

	// Identity describes the agent to its own evaluators.
	Identity IdentityConfig `yaml:"identity"`

	// Processing bounds the task/thought state machine.
	Processing ProcessingConfig `yaml:"processing"`

	// Pipeline configures the decision evaluators.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Guardrails configures the safety chain.
	Guardrails GuardrailConfig `yaml:"guardrails"`

	// Bus configures capability routing and circuit breakers.
	Bus BusConfig `yaml:"bus"`

	// Audit configures the signed hash chain.
	Audit AuditConfig `yaml:"audit"`

	// Storage configures persistence.
	Storage StorageConfig `yaml:"storage"`

	// Resources configures the resource monitor.
	Resources ResourcesConfig `yaml:"resources"`

	// Guidance configures deferral routing to the external authority.
	Guidance GuidanceConfig `yaml:"guidance"`

	// Profiles defines the available deployment profiles.
	Profiles map[string]ProfileConfig `yaml:"profiles"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// IdentityConfig is the agent's self-description.
type IdentityConfig struct {
	AgentID     string `yaml:"agent_id"`
	Description string `yaml:"description"`
	// DefaultChannel receives outbound messages when a task has no origin
	// channel of its own.
	DefaultChannel string `yaml:"default_channel"`
}

// ProcessingConfig bounds the scheduler and the thought state machine.
type ProcessingConfig struct {
	// MaxPonderDepth caps ponder hops per chain. A selection of ponder at
	// the cap is converted to a deferral unconditionally.
	MaxPonderDepth int `yaml:"max_ponder_depth"`

	// MaxActiveTasks caps tasks admitted per round.
	MaxActiveTasks int `yaml:"max_active_tasks"`

	// QueueLimit caps thoughts queued per round; excess stays pending for
	// the next round.
	QueueLimit int `yaml:"queue_limit"`

	// Workers is the number of concurrent thought processors.
	Workers int `yaml:"workers"`

	// ThoughtTimeout bounds one thought's full trip through the pipeline.
	ThoughtTimeout string `yaml:"thought_timeout"`

	// RoundInterval is the pause between scheduler rounds when idle.
	RoundInterval string `yaml:"round_interval"`
}

// PipelineConfig configures the decision evaluators.
type PipelineConfig struct {
	// DMATimeout bounds each parallel evaluator; overruns become
	// abstentions, never pipeline failures.
	DMATimeout string `yaml:"dma_timeout"`

	// SelectionTimeout bounds the action selection evaluator.
	SelectionTimeout string `yaml:"selection_timeout"`

	// DomainRulesPath points at the domain evaluator's rule file.
	DomainRulesPath string `yaml:"domain_rules_path"`
}

// GuardrailConfig configures the safety chain.
type GuardrailConfig struct {
	// MinConfidence is the epistemic floor; selections below it are
	// replaced with a deferral.
	MinConfidence float64 `yaml:"min_confidence"`

	// MaxSpeakLength bounds outbound message size in runes. Zero disables.
	MaxSpeakLength int `yaml:"max_speak_length"`

	// VetoAction replaces a vetoed selection when the guardrail does not
	// demand a specific substitute: "reject" or "defer".
	VetoAction string `yaml:"veto_action"`

	// RateLimit caps externally visible actions per RateWindow across the
	// whole agent. Zero disables the limiter.
	RateLimit  int    `yaml:"rate_limit"`
	RateWindow string `yaml:"rate_window"`
}

// BusConfig configures capability routing.
type BusConfig struct {
	// CallTimeout bounds one provider invocation.
	CallTimeout string `yaml:"call_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-(provider,capability) circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// BaseCooldown is the first open interval; it doubles per consecutive
	// open up to MaxCooldown.
	BaseCooldown string `yaml:"base_cooldown"`
	MaxCooldown  string `yaml:"max_cooldown"`
}

// AuditConfig configures the signed audit chain.
type AuditConfig struct {
	// KeyDir holds ed25519 signing keys, relative to the workspace.
	KeyDir string `yaml:"key_dir"`

	// VerifyOnStart runs full chain verification before accepting work.
	VerifyOnStart bool `yaml:"verify_on_start"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// DatabasePath is relative to the workspace unless absolute.
	DatabasePath string `yaml:"database_path"`
	BusyTimeout  string `yaml:"busy_timeout"`
}

// ResourceBudget is one monitored resource's thresholds. Warning and
// Critical are fractions of Limit in (0,1]; crossing critical pauses task
// admission until usage falls below warning for the cooldown period.
type ResourceBudget struct {
	Limit    int64   `yaml:"limit"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// ResourcesConfig configures the resource monitor.
type ResourcesConfig struct {
	MemoryMB       ResourceBudget `yaml:"memory_mb"`
	Goroutines     ResourceBudget `yaml:"goroutines"`
	Tokens         ResourceBudget `yaml:"tokens"`
	ActiveThoughts ResourceBudget `yaml:"active_thoughts"`

	// Interval between snapshots.
	Interval string `yaml:"interval"`

	// Cooldown is how long usage must stay below warning before admission
	// resumes after a critical breach.
	Cooldown string `yaml:"cooldown"`
}

// GuidanceConfig configures deferral routing.
type GuidanceConfig struct {
	// InboxDir is where authority resolutions are watched for, relative to
	// the workspace.
	InboxDir string `yaml:"inbox_dir"`

	// ResolutionTimeout bounds how long a deferral waits before expiring.
	ResolutionTimeout string `yaml:"resolution_timeout"`
}

// ProfileConfig is one deployment profile: which evaluators run and which
// actions the agent may take while the profile is active.
type ProfileConfig struct {
	DMAs             []string `yaml:"dmas"`
	PermittedActions []string `yaml:"permitted_actions"`
}

// LoggingConfig configures diagnostic logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "arbiter",
		Version: "0.3.0",
		Profile: "default",

		Identity: IdentityConfig{
			AgentID:        "arbiter",
			Description:    "autonomous decision agent with bounded escalation",
			DefaultChannel: "console",
		},

		Processing: ProcessingConfig{
			MaxPonderDepth: 5,
			MaxActiveTasks: 10,
			QueueLimit:     50,
			Workers:        3,
			ThoughtTimeout: "60s",
			RoundInterval:  "250ms",
		},

		Pipeline: PipelineConfig{
			DMATimeout:       "10s",
			SelectionTimeout: "15s",
			DomainRulesPath:  "",
		},

		Guardrails: GuardrailConfig{
			MinConfidence:  0.25,
			MaxSpeakLength: 4000,
			VetoAction:     "reject",
			RateLimit:      120,
			RateWindow:     "1m",
		},

		Bus: BusConfig{
			CallTimeout: "30s",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				BaseCooldown:     "2s",
				MaxCooldown:      "5m",
			},
		},

		Audit: AuditConfig{
			KeyDir:        ".arbiter/keys",
			VerifyOnStart: true,
		},

		Storage: StorageConfig{
			DatabasePath: ".arbiter/arbiter.db",
			BusyTimeout:  "5s",
		},

		Resources: ResourcesConfig{
			MemoryMB:       ResourceBudget{Limit: 1024, Warning: 0.7, Critical: 0.9},
			Goroutines:     ResourceBudget{Limit: 2000, Warning: 0.7, Critical: 0.9},
			Tokens:         ResourceBudget{Limit: 1_000_000, Warning: 0.8, Critical: 0.95},
			ActiveThoughts: ResourceBudget{Limit: 50, Warning: 0.7, Critical: 0.9},
			Interval:       "5s",
			Cooldown:       "30s",
		},

		Guidance: GuidanceConfig{
			InboxDir:          ".arbiter/guidance",
			ResolutionTimeout: "24h",
		},

		Profiles: DefaultProfiles(),

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultProfiles returns the built-in deployment profiles.
func DefaultProfiles() map[string]ProfileConfig {
	return map[string]ProfileConfig{
		// Full pipeline, full vocabulary.
		"default": {
			DMAs: []string{"ethical", "common_sense", "domain"},
			PermittedActions: []string{
				"observe", "speak", "tool", "reject", "ponder",
				"defer", "memorize", "recall", "forget", "task_complete",
			},
		},
		// No tool execution and no forgetting; everything else intact.
		"restricted": {
			DMAs: []string{"ethical", "common_sense", "domain"},
			PermittedActions: []string{
				"observe", "speak", "reject", "ponder",
				"defer", "memorize", "recall", "task_complete",
			},
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorkspace loads configuration from <workspace>/.arbiter/config.yaml.
func LoadWorkspace(workspace string) (*Config, error) {
	return Load(filepath.Join(workspace, ".arbiter", "config.yaml"))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("ARBITER_PROFILE"); p != "" {
		c.Profile = p
	}
	if db := os.Getenv("ARBITER_DB"); db != "" {
		c.Storage.DatabasePath = db
	}
	if dir := os.Getenv("ARBITER_KEY_DIR"); dir != "" {
		c.Audit.KeyDir = dir
	}
	if ch := os.Getenv("ARBITER_CHANNEL"); ch != "" {
		c.Identity.DefaultChannel = ch
	}
}

// Validate checks ranges and the active profile. Out-of-range values are an
// error, not a clamp: a misconfigured safety bound should fail loudly.
func (c *Config) Validate() error {
	if c.Processing.MaxPonderDepth < 1 {
		return fmt.Errorf("processing.max_ponder_depth must be >= 1")
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be >= 1")
	}
	if c.Processing.QueueLimit < 1 {
		return fmt.Errorf("processing.queue_limit must be >= 1")
	}
	if c.Guardrails.MinConfidence < 0 || c.Guardrails.MinConfidence > 1 {
		return fmt.Errorf("guardrails.min_confidence must be in [0,1]")
	}
	switch c.Guardrails.VetoAction {
	case "", "reject", "defer":
	default:
		return fmt.Errorf("guardrails.veto_action must be reject or defer")
	}
	if c.Guardrails.RateLimit < 0 {
		return fmt.Errorf("guardrails.rate_limit must be >= 0")
	}
	if c.Bus.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("bus.breaker.failure_threshold must be >= 1")
	}
	for name, b := range map[string]ResourceBudget{
		"memory_mb":       c.Resources.MemoryMB,
		"goroutines":      c.Resources.Goroutines,
		"tokens":          c.Resources.Tokens,
		"active_thoughts": c.Resources.ActiveThoughts,
	} {
		if b.Limit < 1 {
			return fmt.Errorf("resources.%s.limit must be >= 1", name)
		}
		if b.Warning <= 0 || b.Warning > 1 || b.Critical <= 0 || b.Critical > 1 {
			return fmt.Errorf("resources.%s thresholds must be in (0,1]", name)
		}
		if b.Warning >= b.Critical {
			return fmt.Errorf("resources.%s.warning must be below critical", name)
		}
	}
	if _, ok := c.Profiles[c.Profile]; !ok {
		return fmt.Errorf("profile %q not defined", c.Profile)
	}
	return nil
}

// ActiveProfile returns the selected deployment profile.
func (c *Config) ActiveProfile() ProfileConfig {
	if p, ok := c.Profiles[c.Profile]; ok {
		return p
	}
	return DefaultProfiles()["default"]
}

// parseDuration is the shared fallback-on-error duration reader.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetThoughtTimeout returns the per-thought pipeline budget.
func (c *Config) GetThoughtTimeout() time.Duration {
	return parseDuration(c.Processing.ThoughtTimeout, 60*time.Second)
}

// GetRoundInterval returns the idle pause between scheduler rounds.
func (c *Config) GetRoundInterval() time.Duration {
	return parseDuration(c.Processing.RoundInterval, 250*time.Millisecond)
}

// GetDMATimeout returns the per-evaluator budget.
func (c *Config) GetDMATimeout() time.Duration {
	return parseDuration(c.Pipeline.DMATimeout, 10*time.Second)
}

// GetSelectionTimeout returns the action selection budget.
func (c *Config) GetSelectionTimeout() time.Duration {
	return parseDuration(c.Pipeline.SelectionTimeout, 15*time.Second)
}

// GetCallTimeout returns the per-provider-call budget.
func (c *Config) GetCallTimeout() time.Duration {
	return parseDuration(c.Bus.CallTimeout, 30*time.Second)
}

// GetBaseCooldown returns the breaker's first open interval.
func (c *Config) GetBaseCooldown() time.Duration {
	return parseDuration(c.Bus.Breaker.BaseCooldown, 2*time.Second)
}

// GetMaxCooldown returns the breaker's cooldown ceiling.
func (c *Config) GetMaxCooldown() time.Duration {
	return parseDuration(c.Bus.Breaker.MaxCooldown, 5*time.Minute)
}

// GetBusyTimeout returns the SQLite busy timeout.
func (c *Config) GetBusyTimeout() time.Duration {
	return parseDuration(c.Storage.BusyTimeout, 5*time.Second)
}

// GetResourceInterval returns the monitor snapshot interval.
func (c *Config) GetResourceInterval() time.Duration {
	return parseDuration(c.Resources.Interval, 5*time.Second)
}

// GetResourceCooldown returns the post-breach cooldown.
func (c *Config) GetResourceCooldown() time.Duration {
	return parseDuration(c.Resources.Cooldown, 30*time.Second)
}

// GetResolutionTimeout returns how long deferrals wait for the authority.
func (c *Config) GetResolutionTimeout() time.Duration {
	return parseDuration(c.Guidance.ResolutionTimeout, 24*time.Hour)
}

// GetRateWindow returns the action rate limiter's sliding window.
func (c *Config) GetRateWindow() time.Duration {
	return parseDuration(c.Guardrails.RateWindow, time.Minute)
}

// DatabasePath resolves the database path against the workspace.
func (c *Config) DatabasePath(workspace string) string {
	if filepath.IsAbs(c.Storage.DatabasePath) {
		return c.Storage.DatabasePath
	}
	return filepath.Join(workspace, c.Storage.DatabasePath)
}

// KeyDir resolves the signing key directory against the workspace.
func (c *Config) KeyDir(workspace string) string {
	if filepath.IsAbs(c.Audit.KeyDir) {
		return c.Audit.KeyDir
	}
	return filepath.Join(workspace, c.Audit.KeyDir)
}

// GuidanceInbox resolves the authority inbox against the workspace.
func (c *Config) GuidanceInbox(workspace string) string {
	if filepath.IsAbs(c.Guidance.InboxDir) {
		return c.Guidance.InboxDir
	}
	return filepath.Join(workspace, c.Guidance.InboxDir)
}
