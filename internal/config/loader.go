package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known LLM provider names. [Validate] warns
// about anything else.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// LLM
	l := cfg.LLM
	errs = append(errs, validateProvider("llm.primary", l.Primary, true)...)
	if l.UseFallback {
		errs = append(errs, validateProvider("llm.fallback", l.Fallback, true)...)
	} else if !l.Fallback.IsZero() {
		slog.Warn("llm.fallback is configured but llm.use_fallback is false; it will not be used")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", l.Temperature))
	}
	if l.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must not be negative"))
	}
	if l.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries must not be negative"))
	}
	if l.RetryMaxDelay > 0 && l.RetryBaseDelay > l.RetryMaxDelay {
		errs = append(errs, fmt.Errorf("llm.retry_base_delay %s exceeds llm.retry_max_delay %s", l.RetryBaseDelay, l.RetryMaxDelay))
	}
	for name, d := range map[string]int64{
		"llm.request_timeout":             int64(l.RequestTimeout),
		"orchestrator.agent_timeout":      int64(cfg.Orchestrator.AgentTimeout),
		"orchestrator.aggregator_timeout": int64(cfg.Orchestrator.AggregatorTimeout),
		"selector.cache_ttl":              int64(cfg.Selector.CacheTTL),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Orchestrator
	if cfg.Orchestrator.AggregatorMaxWords < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.aggregator_max_words must not be negative"))
	}
	if cfg.Orchestrator.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.history_limit must not be negative"))
	}

	// Selector
	s := cfg.Selector
	if s.CacheBackend != "" && !s.CacheBackend.IsValid() {
		errs = append(errs, fmt.Errorf("selector.cache_backend %q is invalid; valid values: memory, redis", s.CacheBackend))
	}
	if s.CacheBackend == CacheRedis && s.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("selector.redis.addr is required when cache_backend is redis"))
	}

	// Event log
	if cfg.EventLog.Buffer < 0 {
		errs = append(errs, fmt.Errorf("eventlog.buffer must not be negative"))
	}
	if cfg.EventLog.PostgresDSN == "" {
		slog.Debug("eventlog.postgres_dsn is empty; records are only logged")
	}

	return errors.Join(errs...)
}

// validateProvider checks a provider entry and warns about unknown names.
func validateProvider(prefix string, e ProviderEntry, required bool) []error {
	if e.IsZero() {
		if required {
			return []error{fmt.Errorf("%s.name is required", prefix)}
		}
		return nil
	}
	var errs []error
	if e.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", prefix))
	}
	if !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown provider name; may be a typo or third-party provider",
			"key", prefix,
			"name", e.Name,
			"known", ValidProviderNames,
		)
	}
	return errs
}
