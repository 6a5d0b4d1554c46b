package config

// BridgeConfig configures the execution bridge (C8).
type BridgeConfig struct {
	PollIntervalMs           int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	MaxParallelTasksPerGroup int    `yaml:"max_parallel_tasks_per_group" json:"max_parallel_tasks_per_group"`
	GroupTimeoutMs           int    `yaml:"group_timeout_ms" json:"group_timeout_ms"`
	MaxTaskRetries           int    `yaml:"max_task_retries" json:"max_task_retries"`
	TaskRetryDelayMs         int    `yaml:"task_retry_delay_ms" json:"task_retry_delay_ms"`
	MaxExecutionHistory      int    `yaml:"max_execution_history" json:"max_execution_history"`
	ContextResetDirective    string `yaml:"context_reset_directive" json:"context_reset_directive"`
}
