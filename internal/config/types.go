package config

// ServeConfig tunes the coordinator. Zero fields fall back to the built-in
// defaults; durations are expressed in seconds to keep the JSON plain.
type ServeConfig struct {
	Name                   string `json:"name,omitempty"`
	MaxConcurrentTasks     int    `json:"max_concurrent_tasks,omitempty"`
	TaskTimeoutSeconds     int    `json:"task_timeout_seconds,omitempty"`
	MaxQueueSize           int    `json:"max_queue_size,omitempty"`
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds,omitempty"`
	TaskRetentionSeconds   int    `json:"task_retention_seconds,omitempty"`
	MaxRetryAttempts       int    `json:"max_retry_attempts,omitempty"`
}

// ProviderConfig defines a model endpoint. Providers are separate from
// agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Model               string `json:"model,omitempty"`
	MaxRPM              int    `json:"max_rpm,omitempty"` // 0 disables rate limiting
	RetryElapsedSeconds int    `json:"retry_elapsed_seconds,omitempty"`
	APIKeyEnv           string `json:"api_key_env,omitempty"` // env var holding the credential
}

// AgentConfig defines a worker role backed by a provider.
type AgentConfig struct {
	Type               string   `json:"type,omitempty"` // registry type, default "worker"
	Role               string   `json:"role"`
	Goal               string   `json:"goal,omitempty"`
	Description        string   `json:"description,omitempty"`
	Provider           string   `json:"provider,omitempty"` // key into Providers
	Specializations    []string `json:"specializations,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Tools              []string `json:"tools,omitempty"`
	MaxIterations      int      `json:"max_iterations,omitempty"`
	StepTimeoutSeconds int      `json:"step_timeout_seconds,omitempty"`
	QueueCapacity      int      `json:"queue_capacity,omitempty"`
}

// PilottConfig is the top-level configuration.
type PilottConfig struct {
	Serve       ServeConfig               `json:"serve"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Agents      map[string]AgentConfig    `json:"agents"`
	ArchivePath string                    `json:"archive_path,omitempty"` // SQLite archive; empty disables it
}
