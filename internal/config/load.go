package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvLookup abstracts os.LookupEnv for tests.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Overrides carries values that beat every other source (CLI flags).
type Overrides struct {
	MaxConcurrentAgents *int
	AgentTimeout        *time.Duration
	MailBaseURL         *string
	HTTPAddr            *string
	ProjectsRoot        *string
	LogLevel            *string
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	overrides  Overrides
}

// WithEnv replaces the environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverrides applies caller-supplied overrides.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// WithConfigPath points the loader at an explicit config file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader replaces os.ReadFile for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// WithHomeDir replaces os.UserHomeDir for tests.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = resolver }
}

// Load assembles the runtime configuration: defaults, then the yaml config
// file, then environment variables, then overrides. Metadata records which
// layer supplied each field.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := RuntimeConfig{
		MaxConcurrentAgents: DefaultMaxConcurrentAgents,
		AgentTimeout:        DefaultAgentTimeout,
		MailBaseURL:         DefaultMailBaseURL,
		HTTPAddr:            DefaultHTTPAddr,
		LLMProvider:         DefaultLLMProvider,
		LLMModel:            DefaultLLMModel,
		LLMBaseURL:          DefaultLLMBaseURL,
		StaleThreshold:      DefaultStaleThreshold,
		ReviewOverdue:       DefaultReviewOverdue,
		MonitorSchedule:     DefaultMonitorSchedule,
		LogLevel:            DefaultLogLevel,
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	applyOverrides(&cfg, &meta, options.overrides)

	if cfg.MaxConcurrentAgents < 1 {
		return RuntimeConfig{}, Metadata{}, fmt.Errorf("max_concurrent_agents must be >= 1, got %d", cfg.MaxConcurrentAgents)
	}
	if cfg.AgentTimeout <= 0 {
		return RuntimeConfig{}, Metadata{}, fmt.Errorf("agent_timeout must be positive, got %v", cfg.AgentTimeout)
	}
	if cfg.ProjectsRoot == "" {
		home, err := options.homeDir()
		if err != nil {
			return RuntimeConfig{}, Metadata{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.ProjectsRoot = filepath.Join(home, "troop-projects")
	}

	return cfg, meta, nil
}

type fileConfig struct {
	MaxConcurrentAgents *int    `yaml:"max_concurrent_agents"`
	AgentTimeoutSeconds *int    `yaml:"agent_timeout_seconds"`
	MailBaseURL         *string `yaml:"mail_base_url"`
	HTTPAddr            *string `yaml:"http_addr"`
	LLMProvider         *string `yaml:"llm_provider"`
	LLMModel            *string `yaml:"llm_model"`
	LLMBaseURL          *string `yaml:"llm_base_url"`
	APIKey              *string `yaml:"api_key"`
	ProjectsRoot        *string `yaml:"projects_root"`
	StaleHours          *int    `yaml:"stale_threshold_hours"`
	ReviewOverdueHours  *int    `yaml:"review_overdue_hours"`
	MonitorSchedule     *string `yaml:"monitor_schedule"`
	LogLevel            *string `yaml:"log_level"`
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	path := options.configPath
	if path == "" {
		home, err := options.homeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".troop", "config.yaml")
	}

	data, err := options.readFile(path)
	if err != nil {
		if options.configPath != "" {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if parsed.MaxConcurrentAgents != nil {
		cfg.MaxConcurrentAgents = *parsed.MaxConcurrentAgents
		meta.sources["max_concurrent_agents"] = SourceFile
	}
	if parsed.AgentTimeoutSeconds != nil {
		cfg.AgentTimeout = time.Duration(*parsed.AgentTimeoutSeconds) * time.Second
		meta.sources["agent_timeout"] = SourceFile
	}
	if parsed.MailBaseURL != nil {
		cfg.MailBaseURL = *parsed.MailBaseURL
		meta.sources["mail_base_url"] = SourceFile
	}
	if parsed.HTTPAddr != nil {
		cfg.HTTPAddr = *parsed.HTTPAddr
		meta.sources["http_addr"] = SourceFile
	}
	if parsed.LLMProvider != nil {
		cfg.LLMProvider = *parsed.LLMProvider
		meta.sources["llm_provider"] = SourceFile
	}
	if parsed.LLMModel != nil {
		cfg.LLMModel = *parsed.LLMModel
		meta.sources["llm_model"] = SourceFile
	}
	if parsed.LLMBaseURL != nil {
		cfg.LLMBaseURL = *parsed.LLMBaseURL
		meta.sources["llm_base_url"] = SourceFile
	}
	if parsed.APIKey != nil {
		cfg.APIKey = *parsed.APIKey
		meta.sources["api_key"] = SourceFile
	}
	if parsed.ProjectsRoot != nil {
		cfg.ProjectsRoot = *parsed.ProjectsRoot
		meta.sources["projects_root"] = SourceFile
	}
	if parsed.StaleHours != nil {
		cfg.StaleThreshold = time.Duration(*parsed.StaleHours) * time.Hour
		meta.sources["stale_threshold"] = SourceFile
	}
	if parsed.ReviewOverdueHours != nil {
		cfg.ReviewOverdue = time.Duration(*parsed.ReviewOverdueHours) * time.Hour
		meta.sources["review_overdue"] = SourceFile
	}
	if parsed.MonitorSchedule != nil {
		cfg.MonitorSchedule = *parsed.MonitorSchedule
		meta.sources["monitor_schedule"] = SourceFile
	}
	if parsed.LogLevel != nil {
		cfg.LogLevel = *parsed.LogLevel
		meta.sources["log_level"] = SourceFile
	}

	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) {
	if v, ok := lookup("TROOP_MAX_CONCURRENT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentAgents = n
			meta.sources["max_concurrent_agents"] = SourceEnv
		}
	}
	if v, ok := lookup("TROOP_AGENT_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentTimeout = time.Duration(n) * time.Second
			meta.sources["agent_timeout"] = SourceEnv
		}
	}
	if v, ok := lookup("TROOP_MAIL_URL"); ok && v != "" {
		cfg.MailBaseURL = v
		meta.sources["mail_base_url"] = SourceEnv
	}
	if v, ok := lookup("TROOP_HTTP_ADDR"); ok && v != "" {
		cfg.HTTPAddr = v
		meta.sources["http_addr"] = SourceEnv
	}
	if v, ok := lookup("TROOP_LLM_MODEL"); ok && v != "" {
		cfg.LLMModel = v
		meta.sources["llm_model"] = SourceEnv
	}
	if v, ok := lookup("TROOP_LLM_BASE_URL"); ok && v != "" {
		cfg.LLMBaseURL = v
		meta.sources["llm_base_url"] = SourceEnv
	}
	if v, ok := lookup("TROOP_API_KEY"); ok && v != "" {
		cfg.APIKey = v
		meta.sources["api_key"] = SourceEnv
	}
	if v, ok := lookup("TROOP_PROJECTS_ROOT"); ok && v != "" {
		cfg.ProjectsRoot = v
		meta.sources["projects_root"] = SourceEnv
	}
	if v, ok := lookup("TROOP_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
		meta.sources["log_level"] = SourceEnv
	}
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.MaxConcurrentAgents != nil {
		cfg.MaxConcurrentAgents = *overrides.MaxConcurrentAgents
		meta.sources["max_concurrent_agents"] = SourceOverride
	}
	if overrides.AgentTimeout != nil {
		cfg.AgentTimeout = *overrides.AgentTimeout
		meta.sources["agent_timeout"] = SourceOverride
	}
	if overrides.MailBaseURL != nil {
		cfg.MailBaseURL = *overrides.MailBaseURL
		meta.sources["mail_base_url"] = SourceOverride
	}
	if overrides.HTTPAddr != nil {
		cfg.HTTPAddr = *overrides.HTTPAddr
		meta.sources["http_addr"] = SourceOverride
	}
	if overrides.ProjectsRoot != nil {
		cfg.ProjectsRoot = *overrides.ProjectsRoot
		meta.sources["projects_root"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
}
