package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*PilottConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.pilott/config.json
// Project: .pilott/config.json (relative to cwd)
func LoadDefault() (*PilottConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".pilott", "config.json")
	projectPath := filepath.Join(".pilott", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Malformed JSON returns an
// error.
func mergeConfigFile(base *PilottConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded PilottConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	mergeServe(&base.Serve, loaded.Serve)

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	if loaded.ArchivePath != "" {
		base.ArchivePath = loaded.ArchivePath
	}

	return nil
}

// mergeServe overlays non-zero coordinator fields so a partial serve section
// does not wipe out prior layers.
func mergeServe(base *ServeConfig, in ServeConfig) {
	if in.Name != "" {
		base.Name = in.Name
	}
	if in.MaxConcurrentTasks != 0 {
		base.MaxConcurrentTasks = in.MaxConcurrentTasks
	}
	if in.TaskTimeoutSeconds != 0 {
		base.TaskTimeoutSeconds = in.TaskTimeoutSeconds
	}
	if in.MaxQueueSize != 0 {
		base.MaxQueueSize = in.MaxQueueSize
	}
	if in.CleanupIntervalSeconds != 0 {
		base.CleanupIntervalSeconds = in.CleanupIntervalSeconds
	}
	if in.TaskRetentionSeconds != 0 {
		base.TaskRetentionSeconds = in.TaskRetentionSeconds
	}
	if in.MaxRetryAttempts != 0 {
		base.MaxRetryAttempts = in.MaxRetryAttempts
	}
}
