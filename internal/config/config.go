package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"warden/internal/logging"

	"gopkg.in/yaml.v3"
)

// Config holds all warden configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Buffer  BufferConfig       `yaml:"buffer"`
	Probe   ProbeConfig        `yaml:"probe"`
	Checker CheckerConfig      `yaml:"checker"`
	Model   ModelConfig        `yaml:"model"`
	Bridge  BridgeConfig       `yaml:"bridge"`
	Spawn   OrchestratorConfig `yaml:"spawn"`
	Logging LoggingConfig      `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "1.0.0",

		Buffer: BufferConfig{
			MaxBytes:   2 * 1024 * 1024,
			TrimBytes:  1536 * 1024,
			ChunkBytes: 64 * 1024,
		},

		Probe: ProbeConfig{
			PollIntervalMs: 500,
			ScreenPrefix:   "warden-probe",
			TempDir:        os.TempDir(),
		},

		Checker: CheckerConfig{
			Idle: CheckerProfile{
				Enabled:              true,
				Model:                "fast",
				MaxContextChars:      16000,
				CheckTimeoutMs:       90000,
				CooldownMs:           180000,
				ErrorCooldownMs:      60000,
				MaxConsecutiveErrors: 3,
			},
			Plan: CheckerProfile{
				Enabled:              true,
				Model:                "fast",
				MaxContextChars:      8000,
				CheckTimeoutMs:       60000,
				CooldownMs:           30000,
				ErrorCooldownMs:      30000,
				MaxConsecutiveErrors: 3,
			},
		},

		Model: ModelConfig{
			Tiers: map[string]string{
				"fast":     "glm-4.7-flash",
				"balanced": "glm-4.7",
				"deep":     "glm-4.7-air",
			},
			Overrides: map[string]string{},
		},

		Bridge: BridgeConfig{
			PollIntervalMs:           250,
			MaxParallelTasksPerGroup: 4,
			GroupTimeoutMs:           30 * 60 * 1000,
			MaxTaskRetries:           3,
			TaskRetryDelayMs:         2000,
			MaxExecutionHistory:      50,
			ContextResetDirective:    "/compact\n",
		},

		Spawn: OrchestratorConfig{
			MaxConcurrentAgents:    4,
			MaxSpawnDepth:          2,
			ProgressPollIntervalMs: 5000,
			DefaultTimeoutMinutes:  30,
			MaxTimeoutMinutes:      120,
			CleanupOnFailure:       false,
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			File:      "warden.log",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// for any field the file does not set.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: name=%s version=%s", cfg.Name, cfg.Version)

	return cfg, nil
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
	if dir := os.Getenv("WARDEN_PROBE_TMPDIR"); dir != "" {
		c.Probe.TempDir = dir
	}
	if prefix := os.Getenv("WARDEN_PROBE_PREFIX"); prefix != "" {
		c.Probe.ScreenPrefix = prefix
	}
	if directive := os.Getenv("WARDEN_CONTEXT_RESET_DIRECTIVE"); directive != "" {
		c.Bridge.ContextResetDirective = directive
	}
}

// PollInterval returns the probe poll interval as a duration.
func (c *ProbeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// CheckTimeout returns the checker's probe timeout as a duration.
func (c *CheckerProfile) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutMs) * time.Millisecond
}

// Cooldown returns the checker's success cooldown as a duration.
func (c *CheckerProfile) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// ErrorCooldown returns the checker's error cooldown as a duration.
func (c *CheckerProfile) ErrorCooldown() time.Duration {
	return time.Duration(c.ErrorCooldownMs) * time.Millisecond
}

// PollInterval returns the bridge tick interval as a duration.
func (c *BridgeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// GroupTimeout returns the per-group timeout as a duration.
func (c *BridgeConfig) GroupTimeout() time.Duration {
	return time.Duration(c.GroupTimeoutMs) * time.Millisecond
}

// TaskRetryDelay returns the per-task retry backoff as a duration.
func (c *BridgeConfig) TaskRetryDelay() time.Duration {
	return time.Duration(c.TaskRetryDelayMs) * time.Millisecond
}

// ProgressPollInterval returns the spawn orchestrator's poll interval as a duration.
func (c *OrchestratorConfig) ProgressPollInterval() time.Duration {
	return time.Duration(c.ProgressPollIntervalMs) * time.Millisecond
}

// DefaultTimeout returns the spawn orchestrator's default child timeout as a duration.
func (c *OrchestratorConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// MaxTimeout returns the spawn orchestrator's capped child timeout as a duration.
func (c *OrchestratorConfig) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMinutes) * time.Minute
}
