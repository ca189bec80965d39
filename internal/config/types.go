package config

// GatewayConfig points at the agent gateway: an ordered candidate URL list
// (primary first, then fallbacks) and shared credentials. A token or password
// embedded in a URL's query string overrides these for that URL only.
type GatewayConfig struct {
	URLs     []string `json:"urls,omitempty"`
	Token    string   `json:"token,omitempty"`
	Password string   `json:"password,omitempty"`
}

// AgentConfig defines one agent identity tasks can be assigned to.
type AgentConfig struct {
	Model string `json:"model,omitempty"` // Model override for dispatches to this agent
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // Listen address (e.g., ":8787")
}

// Config is the top-level configuration.
type Config struct {
	Gateway      GatewayConfig          `json:"gateway"`
	Agents       map[string]AgentConfig `json:"agents"`
	Server       ServerConfig           `json:"server"`
	DBPath       string                 `json:"db_path,omitempty"`
	DefaultAgent string                 `json:"default_agent,omitempty"`
}
