package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ContextsChanged is true when the static learner or course data changed.
	// It is applied without restart.
	ContextsChanged bool

	// RestartRequired lists changed top-level keys that only take effect
	// after a restart (providers, timeouts, cache and event log backends).
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ContextsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ContextsChanged = !reflect.DeepEqual(old.Contexts, new.Contexts)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Contexts.PostgresDSN != new.Contexts.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "contexts.postgres_dsn")
	}
	for _, c := range []struct {
		key      string
		old, new any
	}{
		{"llm", old.LLM, new.LLM},
		{"orchestrator", old.Orchestrator, new.Orchestrator},
		{"selector", old.Selector, new.Selector},
		{"eventlog", old.EventLog, new.EventLog},
	} {
		if !reflect.DeepEqual(c.old, c.new) {
			d.RestartRequired = append(d.RestartRequired, c.key)
		}
	}
	return d
}
