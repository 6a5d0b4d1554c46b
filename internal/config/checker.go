package config

// CheckerConfig holds the two AI checker instantiations (C3): idle and plan.
type CheckerConfig struct {
	Idle CheckerProfile `yaml:"idle" json:"idle"`
	Plan CheckerProfile `yaml:"plan" json:"plan"`
}

// CheckerProfile configures a single checker instantiation.
type CheckerProfile struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	Model                string `yaml:"model" json:"model"`
	MaxContextChars      int    `yaml:"max_context_chars" json:"max_context_chars"`
	CheckTimeoutMs        int    `yaml:"check_timeout_ms" json:"check_timeout_ms"`
	CooldownMs           int    `yaml:"cooldown_ms" json:"cooldown_ms"`
	ErrorCooldownMs      int    `yaml:"error_cooldown_ms" json:"error_cooldown_ms"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
}
