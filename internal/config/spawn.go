package config

// OrchestratorConfig configures the spawn orchestrator (C9).
type OrchestratorConfig struct {
	MaxConcurrentAgents int `yaml:"max_concurrent_agents" json:"max_concurrent_agents"`

	// MaxSpawnDepth caps TaskSpec.Depth: SpawnSpec rejects any spec whose
	// Depth exceeds this value with ErrMaxSpawnDepth. Zero means no cap.
	MaxSpawnDepth int `yaml:"max_spawn_depth" json:"max_spawn_depth"`

	ProgressPollIntervalMs int  `yaml:"progress_poll_interval_ms" json:"progress_poll_interval_ms"`
	DefaultTimeoutMinutes  int  `yaml:"default_timeout_minutes" json:"default_timeout_minutes"`
	MaxTimeoutMinutes      int  `yaml:"max_timeout_minutes" json:"max_timeout_minutes"`
	CleanupOnFailure       bool `yaml:"cleanup_on_failure" json:"cleanup_on_failure"`
}
