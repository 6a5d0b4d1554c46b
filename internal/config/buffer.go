package config

// BufferConfig configures the terminal buffer (C1).
type BufferConfig struct {
	MaxBytes   int `yaml:"max_bytes" json:"max_bytes"`
	TrimBytes  int `yaml:"trim_bytes" json:"trim_bytes"`
	ChunkBytes int `yaml:"chunk_bytes" json:"chunk_bytes"`
}
