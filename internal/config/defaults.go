package config

// DefaultModel is dispatched when neither the agent nor the config names one.
const DefaultModel = "taskpilot-default"

// DefaultConfig returns the built-in configuration. No gateway URL is set by
// default; dispatch refuses to run until one is configured.
func DefaultConfig() *Config {
	return &Config{
		Agents: map[string]AgentConfig{
			"main": {},
		},
		Server: ServerConfig{
			Addr: ":8787",
		},
		DBPath:       "taskpilot.db",
		DefaultAgent: "main",
	}
}
