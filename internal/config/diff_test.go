package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/engagecore/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		LLM: config.LLMConfig{
			Primary: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
		Contexts: config.ContextsConfig{
			Users: map[string]map[string]any{"42": {"level": "B1"}},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("identical configs reported a change: %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartRequired %v", d.RestartRequired)
	}
}

func TestDiff_ContextsChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Contexts.Users["42"]["level"] = "B2"

	d := config.Diff(old, new)
	if !d.ContextsChanged {
		t.Error("expected ContextsChanged")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("contexts are hot-reloadable, got RestartRequired %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, "server.listen_addr"},
		{"provider model", func(c *config.Config) { c.LLM.Primary.Model = "gpt-4o" }, "llm"},
		{"agent timeout", func(c *config.Config) { c.Orchestrator.AgentTimeout = time.Second }, "orchestrator"},
		{"cache backend", func(c *config.Config) { c.Selector.CacheBackend = config.CacheRedis }, "selector"},
		{"event buffer", func(c *config.Config) { c.EventLog.Buffer = 10 }, "eventlog"},
		{"context store", func(c *config.Config) { c.Contexts.PostgresDSN = "postgres://db/x" }, "contexts.postgres_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.want)
			}
		})
	}
}
