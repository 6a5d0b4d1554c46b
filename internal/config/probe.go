package config

// ProbeConfig configures the probe runner (C2).
type ProbeConfig struct {
	PollIntervalMs int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	ScreenPrefix   string `yaml:"screen_prefix" json:"screen_prefix"`
	TempDir        string `yaml:"temp_dir" json:"temp_dir"`
}
