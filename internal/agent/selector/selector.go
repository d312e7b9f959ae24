// Package selector picks which agents answer a learner message.
//
// A [Selector] asks the generation service for a JSON selection, validates it
// against the agent registry and caches valid results by a hash of the
// normalised message context. It never fails: any error degrades to the
// registry's fallback agents.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/generation"
	"github.com/MrWong99/engagecore/internal/observe"
	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// Selection methods.
const (
	MethodCached   = "cached"
	MethodLLM      = "llm"
	MethodFallback = "fallback"
)

// DefaultTTL is how long a selection stays cached.
const DefaultTTL = 300 * time.Second

// KeyPrefix prefixes every cache key.
const KeyPrefix = "agent_selection:"

const (
	selectionTemperature = 0.2
	selectionMaxTokens   = 300
	defaultConfidence    = 0.5
	fallbackReasoning    = "fallback selection"
)

// Selection is the outcome of one [Selector.Select] call.
type Selection struct {
	AgentNames []string `json:"agent_names"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
}

func (s Selection) clone() Selection {
	s.AgentNames = append([]string(nil), s.AgentNames...)
	return s
}

// Generator is the subset of [generation.Service] used by the selector.
type Generator interface {
	GenerateStructured(ctx context.Context, req generation.Request, schema *llm.Schema) generation.Result
}

// Compile-time check.
var _ Generator = (*generation.Service)(nil)

// Selector chooses agents for a message. It is safe for concurrent use.
type Selector struct {
	gen      Generator
	registry *agent.Registry
	cache    Cache
	ttl      time.Duration
	metrics  *observe.Metrics
	schema   *llm.Schema
}

// Option configures a [Selector].
type Option func(*Selector)

// WithCache sets the selection cache. The default is a [MemoryCache].
func WithCache(c Cache) Option {
	return func(s *Selector) { s.cache = c }
}

// WithTTL sets the cache TTL. A non-positive value disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(s *Selector) { s.ttl = ttl }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

// New creates a Selector over the agents in registry.
func New(gen Generator, registry *agent.Registry, opts ...Option) (*Selector, error) {
	if gen == nil {
		return nil, fmt.Errorf("selector: generator must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("selector: registry must not be nil")
	}
	s := &Selector{
		gen:      gen,
		registry: registry,
		ttl:      DefaultTTL,
		schema:   selectionSchema(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = NewMemoryCache()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Select returns the agents that should answer c. With force set the cache is
// bypassed for reading but still refreshed on success. The result always
// names at least one registered agent.
func (s *Selector) Select(ctx context.Context, requestID string, c agent.Context, force bool) Selection {
	ctx, span := observe.StartSpan(ctx, "selector.Select")
	defer span.End()
	log := observe.Logger(ctx).With("request_id", requestID)

	key := CacheKey(c)
	sel := s.choose(ctx, log, key, c, force)

	span.SetAttributes(
		attribute.String("selection.method", sel.Method),
		attribute.StringSlice("selection.agents", sel.AgentNames),
	)
	s.metrics.RecordSelection(ctx, sel.Method)
	return sel
}

func (s *Selector) choose(ctx context.Context, log *slog.Logger, key string, c agent.Context, force bool) Selection {
	if !force && s.ttl > 0 {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			log.Warn("selector: cache read failed", "err", err)
		case ok && s.valid(cached.AgentNames):
			cached.Method = MethodCached
			log.Debug("selector: cache hit", "agents", cached.AgentNames)
			return cached
		}
	}

	res := s.gen.GenerateStructured(ctx, generation.Request{
		SystemPrompt: s.systemPrompt(),
		UserMessage:  userPrompt(c),
		Temperature:  ptr(selectionTemperature),
		MaxTokens:    selectionMaxTokens,
		Tags:         map[string]string{"component": "selector", "user_id": c.UserID},
	}, s.schema)
	if res.Failed() {
		log.Warn("selector: generation failed, using fallback agents", "err", res.Err)
		return s.fallback()
	}

	sel, err := s.validate(res.AgentState)
	if err != nil {
		log.Warn("selector: invalid selection, using fallback agents", "err", err, "raw", res.RawOutput)
		return s.fallback()
	}

	if s.ttl > 0 {
		if err := s.cache.Set(ctx, key, sel, s.ttl); err != nil {
			log.Warn("selector: cache write failed", "err", err)
		}
	}
	log.Info("selector: agents selected",
		"agents", sel.AgentNames,
		"confidence", sel.Confidence,
		"reasoning", sel.Reasoning,
	)
	return sel
}

// valid reports whether names is non-empty and fully registered. Cached
// entries from an older registry are treated as misses.
func (s *Selector) valid(names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, n := range names {
		if !s.registry.Has(n) {
			return false
		}
	}
	return true
}

// validate turns a decoded model response into a Selection.
func (s *Selector) validate(obj map[string]any) (Selection, error) {
	for _, field := range []string{"agent_names", "reasoning", "confidence"} {
		if _, ok := obj[field]; !ok {
			return Selection{}, fmt.Errorf("selector: missing field %q", field)
		}
	}
	raw, ok := obj["agent_names"].([]any)
	if !ok || len(raw) == 0 {
		return Selection{}, fmt.Errorf("selector: agent_names must be a non-empty list")
	}

	seen := make(map[string]bool, len(raw))
	var names []string
	for _, v := range raw {
		name, ok := v.(string)
		if !ok || seen[name] || !s.registry.Has(name) {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return Selection{}, fmt.Errorf("selector: no registered agent in %v", raw)
	}

	reasoning, _ := obj["reasoning"].(string)
	return Selection{
		AgentNames: names,
		Reasoning:  reasoning,
		Confidence: confidence(obj["confidence"]),
		Method:     MethodLLM,
	}, nil
}

func confidence(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return defaultConfidence
		}
	default:
		return defaultConfidence
	}
	if math.IsNaN(f) || f < 0 || f > 1 {
		return defaultConfidence
	}
	return f
}

func (s *Selector) fallback() Selection {
	return Selection{
		AgentNames: s.registry.Fallbacks(),
		Reasoning:  fallbackReasoning,
		Confidence: 0,
		Method:     MethodFallback,
	}
}

// ── Prompts ──────────────────────────────────────────────────────────────────

func (s *Selector) systemPrompt() string {
	var agents strings.Builder
	for _, d := range s.registry.Descriptors() {
		fmt.Fprintf(&agents, "- %s: %s\n", d.Name, d.Description)
	}
	return `You select the agents that answer a student's message in an English learning platform.

AVAILABLE AGENTS:
` + agents.String() + `
YOUR TASK:
Analyse the student's message and choose the smallest set of agents that covers it.

SELECTION CRITERIA:
1. Every agent solves one narrow task (language, support, professional context).
2. Choose the minimal necessary set.
3. Take the student's context into account (level, profession, emotional state).
4. Add the support agent when the student sounds frustrated.
5. Add the professional agent when the message relates to the student's work.

RESPONSE FORMAT (JSON ONLY):
{"agent_names": ["AgentName1", ...], "reasoning": "one or two sentences", "confidence": 0.0-1.0}

Return only valid JSON without comments. When in doubt, prefer the more conservative set.`
}

func userPrompt(c agent.Context) string {
	var sb strings.Builder
	sb.WriteString("Student context:\n")
	if p := c.User.Prompt(); p != "" {
		sb.WriteString(p)
	} else {
		sb.WriteString("- none")
	}
	sb.WriteString("\n\nStudent message:\n")
	sb.WriteString(strings.TrimSpace(c.UserMessage))
	return sb.String()
}

func selectionSchema() *llm.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"agent_names", "reasoning", "confidence"},
		Properties: map[string]*jsonschema.Schema{
			"agent_names": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"reasoning":   {Type: "string"},
			"confidence":  {Type: "number"},
		},
	}
}

// ── Cache key ────────────────────────────────────────────────────────────────

// CacheKey hashes the parts of c that influence selection. Messages that
// differ only in case or whitespace share a key.
func CacheKey(c agent.Context) string {
	h := sha256.New()
	write := func(label string, v any) {
		body, err := json.Marshal(v)
		if err != nil {
			body = fmt.Appendf(nil, "%v", v)
		}
		fmt.Fprintf(h, "%s=%s\n", label, body)
	}
	write("message", normalize(c.UserMessage))
	// encoding/json sorts map keys.
	write("user", c.User)
	write("lesson", c.Lesson)
	write("task", c.Task)
	write("page", []string{c.Page.EnrollmentID, c.Page.CourseID, c.Page.LessonID, c.Page.TaskID})
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func normalize(msg string) string {
	return strings.Join(strings.Fields(strings.ToLower(msg)), " ")
}

func ptr[T any](v T) *T { return &v }
