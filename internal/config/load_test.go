package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func fakeHome() (string, error) { return "/home/tester", nil }

func missingFile(string) ([]byte, error) { return nil, errors.New("no such file") }

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(noEnv),
		WithHomeDir(fakeHome),
		WithFileReader(missingFile),
	)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrentAgents)
	assert.Equal(t, 3600*time.Second, cfg.AgentTimeout)
	assert.Equal(t, DefaultMailBaseURL, cfg.MailBaseURL)
	assert.Equal(t, "/home/tester/troop-projects", cfg.ProjectsRoot)
	assert.Equal(t, SourceDefault, meta.Source("max_concurrent_agents"))
}

func TestLoadFromFile(t *testing.T) {
	yamlData := []byte("max_concurrent_agents: 8\nagent_timeout_seconds: 120\nmail_base_url: http://mail:9000\n")

	cfg, meta, err := Load(
		WithEnv(noEnv),
		WithHomeDir(fakeHome),
		WithFileReader(func(string) ([]byte, error) { return yamlData, nil }),
	)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxConcurrentAgents)
	assert.Equal(t, 120*time.Second, cfg.AgentTimeout)
	assert.Equal(t, "http://mail:9000", cfg.MailBaseURL)
	assert.Equal(t, SourceFile, meta.Source("max_concurrent_agents"))
	assert.Equal(t, SourceFile, meta.Source("agent_timeout"))
}

func TestEnvBeatsFile(t *testing.T) {
	yamlData := []byte("max_concurrent_agents: 8\n")
	env := map[string]string{
		"TROOP_MAX_CONCURRENT": "2",
		"TROOP_AGENT_TIMEOUT":  "30",
	}

	cfg, meta, err := Load(
		WithEnv(func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		}),
		WithHomeDir(fakeHome),
		WithFileReader(func(string) ([]byte, error) { return yamlData, nil }),
	)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxConcurrentAgents)
	assert.Equal(t, 30*time.Second, cfg.AgentTimeout)
	assert.Equal(t, SourceEnv, meta.Source("max_concurrent_agents"))
}

func TestOverridesBeatEnv(t *testing.T) {
	ceiling := 16
	cfg, meta, err := Load(
		WithEnv(func(key string) (string, bool) {
			if key == "TROOP_MAX_CONCURRENT" {
				return "2", true
			}
			return "", false
		}),
		WithHomeDir(fakeHome),
		WithFileReader(missingFile),
		WithOverrides(Overrides{MaxConcurrentAgents: &ceiling}),
	)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.MaxConcurrentAgents)
	assert.Equal(t, SourceOverride, meta.Source("max_concurrent_agents"))
}

func TestLoadRejectsInvalidCeiling(t *testing.T) {
	zero := 0
	_, _, err := Load(
		WithEnv(noEnv),
		WithHomeDir(fakeHome),
		WithFileReader(missingFile),
		WithOverrides(Overrides{MaxConcurrentAgents: &zero}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_agents")
}

func TestExplicitConfigPathMustExist(t *testing.T) {
	_, _, err := Load(
		WithEnv(noEnv),
		WithHomeDir(fakeHome),
		WithFileReader(missingFile),
		WithConfigPath("/etc/troop/config.yaml"),
	)
	require.Error(t, err)
}
