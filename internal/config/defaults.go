package config

// DefaultConfig returns the default configuration with a built-in provider
// and a small pool of general-purpose agent roles.
func DefaultConfig() *PilottConfig {
	return &PilottConfig{
		Serve: ServeConfig{
			MaxConcurrentTasks:     5,
			TaskTimeoutSeconds:     300,
			MaxQueueSize:           1000,
			CleanupIntervalSeconds: 3600,
			TaskRetentionSeconds:   86400,
		},
		Providers: map[string]ProviderConfig{
			"default": {
				MaxRPM:    60,
				APIKeyEnv: "PILOTT_API_KEY",
			},
		},
		Agents: map[string]AgentConfig{
			"worker": {
				Role:     "worker",
				Goal:     "Execute assigned tasks step by step.",
				Provider: "default",
			},
			"researcher": {
				Role:            "researcher",
				Goal:            "Gather and condense information for other agents.",
				Provider:        "default",
				Specializations: []string{"research", "analysis"},
			},
			"writer": {
				Role:            "writer",
				Goal:            "Produce written deliverables from gathered material.",
				Provider:        "default",
				Specializations: []string{"writing", "summarization"},
			},
		},
	}
}
