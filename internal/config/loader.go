package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Environment fallbacks for gateway credentials. A value in the config file
// takes precedence.
const (
	EnvGatewayToken    = "TASKPILOT_GATEWAY_TOKEN"
	EnvGatewayPassword = "TASKPILOT_GATEWAY_PASSWORD"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
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
// Global: ~/.taskpilot/config.json
// Project: .taskpilot/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskpilot", "config.json")
	projectPath := filepath.Join(".taskpilot", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if len(loaded.Gateway.URLs) > 0 {
		base.Gateway.URLs = loaded.Gateway.URLs
	}
	if loaded.Gateway.Token != "" {
		base.Gateway.Token = loaded.Gateway.Token
	}
	if loaded.Gateway.Password != "" {
		base.Gateway.Password = loaded.Gateway.Password
	}

	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}

	if loaded.Server.Addr != "" {
		base.Server.Addr = loaded.Server.Addr
	}
	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.DefaultAgent != "" {
		base.DefaultAgent = loaded.DefaultAgent
	}

	return nil
}

// GatewayToken resolves the gateway token: config value, else environment.
func (c *Config) GatewayToken() string {
	if c.Gateway.Token != "" {
		return c.Gateway.Token
	}
	return os.Getenv(EnvGatewayToken)
}

// GatewayPassword resolves the gateway password: config value, else environment.
func (c *Config) GatewayPassword() string {
	if c.Gateway.Password != "" {
		return c.Gateway.Password
	}
	return os.Getenv(EnvGatewayPassword)
}

// ModelFor returns the model to dispatch for an agent id.
func (c *Config) ModelFor(agent string) string {
	if a, ok := c.Agents[agent]; ok && a.Model != "" {
		return a.Model
	}
	return DefaultModel
}
