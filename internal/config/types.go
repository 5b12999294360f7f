package config

import (
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultMaxConcurrentAgents = 4
	DefaultAgentTimeout        = 3600 * time.Second
	DefaultMailBaseURL         = "http://localhost:8765"
	DefaultHTTPAddr            = ":8420"
	DefaultLLMProvider         = "openai"
	DefaultLLMModel            = "gpt-4o-mini"
	DefaultLLMBaseURL          = "https://api.openai.com/v1"
	DefaultLogLevel            = "info"
	DefaultStaleThreshold      = 48 * time.Hour
	DefaultReviewOverdue       = 24 * time.Hour
	DefaultMonitorSchedule     = "@every 30m"
)

// RuntimeConfig captures user-configurable settings shared across binaries.
type RuntimeConfig struct {
	// Engine admission and deadlines.
	MaxConcurrentAgents int           `json:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	AgentTimeout        time.Duration `json:"agent_timeout" yaml:"agent_timeout"`

	// Collaborator endpoints.
	MailBaseURL string `json:"mail_base_url" yaml:"mail_base_url"`
	HTTPAddr    string `json:"http_addr" yaml:"http_addr"`

	// LLM client settings (owned by the collaborator, surfaced here so a
	// single config file covers the whole deployment).
	LLMProvider string `json:"llm_provider" yaml:"llm_provider"`
	LLMModel    string `json:"llm_model" yaml:"llm_model"`
	LLMBaseURL  string `json:"llm_base_url" yaml:"llm_base_url"`
	APIKey      string `json:"api_key" yaml:"api_key"`

	// Project storage.
	ProjectsRoot string `json:"projects_root" yaml:"projects_root"`

	// Monitoring.
	StaleThreshold  time.Duration `json:"stale_threshold" yaml:"stale_threshold"`
	ReviewOverdue   time.Duration `json:"review_overdue" yaml:"review_overdue"`
	MonitorSchedule string        `json:"monitor_schedule" yaml:"monitor_schedule"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Metadata records which source supplied each configuration field.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Sources returns a copy of the field -> source map.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for k, v := range m.sources {
		out[k] = v
	}
	return out
}

// Source returns where a single field's value came from.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns when the configuration was assembled.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
