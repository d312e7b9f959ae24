package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// LLMFallback fronts a primary [llm.Provider] with a circuit breaker and an
// optional fallback provider. Only transient failures (and an open breaker)
// fall through to the fallback, which gets exactly one attempt: its retrier
// is bypassed with [llm.WithAttempts].
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] around primary. A nil fallback
// disables failover. Breakers only count transient failures.
func NewLLMFallback(primary, fallback llm.Provider, cb CircuitBreakerConfig) (*LLMFallback, error) {
	if primary == nil {
		return nil, fmt.Errorf("resilience: primary provider must not be nil")
	}
	if cb.IsFailure == nil {
		cb.IsFailure = llm.IsTransient
	}
	fg := NewFallbackGroup(primary, entryName(primary), FallbackConfig{
		CircuitBreaker: cb,
		ShouldFallback: llm.IsTransient,
		FallbackContext: func(ctx context.Context) context.Context {
			return llm.WithAttempts(ctx, 1)
		},
	})
	if fallback != nil {
		fg.AddFallback(entryName(fallback), fallback)
	}
	return &LLMFallback{group: fg}, nil
}

func entryName(p llm.Provider) string {
	id := p.Identity()
	return id.Backend + "/" + id.Model
}

// Primary returns the primary provider.
func (f *LLMFallback) Primary() llm.Provider { return f.group.Primary() }

// HasFallback reports whether a fallback provider is configured.
func (f *LLMFallback) HasFallback() bool { return f.group.Len() > 1 }

// PrimaryBreaker returns the primary's circuit breaker.
func (f *LLMFallback) PrimaryBreaker() *CircuitBreaker { return f.group.Breaker(0) }

// identityAt returns the identity of the provider at entry i.
func (f *LLMFallback) identityAt(i int) llm.Identity {
	return f.group.entries[i].value.Identity()
}

// GenerateFor builds a request for each provider tried and returns the
// completion together with the identity of the provider that served it, or
// of the last provider tried on failure.
func (f *LLMFallback) GenerateFor(ctx context.Context, build func(llm.Identity) llm.Request) (*llm.Completion, llm.Identity, error) {
	c, rep, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.Completion, error) {
		return p.GenerateText(ctx, build(p.Identity()))
	})
	return c, f.identityAt(rep.Index), err
}

// StructuredResult is the output of [LLMFallback.GenerateStructuredFor].
type StructuredResult struct {
	Object  map[string]any
	Metrics llm.Metrics
}

// GenerateStructuredFor is the structured counterpart of
// [LLMFallback.GenerateFor]. Metrics are returned even when validation fails.
func (f *LLMFallback) GenerateStructuredFor(ctx context.Context, build func(llm.Identity) llm.Request, schema *llm.Schema) (StructuredResult, llm.Identity, error) {
	var metrics llm.Metrics
	res, rep, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (StructuredResult, error) {
		obj, m, err := p.GenerateStructured(ctx, build(p.Identity()), schema)
		metrics = m
		return StructuredResult{Object: obj, Metrics: m}, err
	})
	if err != nil {
		res.Metrics = metrics
	}
	return res, f.identityAt(rep.Index), err
}

// ── llm.Provider ─────────────────────────────────────────────────────────────

// Identity returns the primary's identity.
func (f *LLMFallback) Identity() llm.Identity { return f.Primary().Identity() }

// GenerateText implements llm.Provider with failover.
func (f *LLMFallback) GenerateText(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	c, _, err := f.GenerateFor(ctx, func(llm.Identity) llm.Request { return req })
	return c, err
}

// GenerateTextStream implements llm.Provider. Only opening the stream is
// covered by failover.
func (f *LLMFallback) GenerateTextStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch, _, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.GenerateTextStream(ctx, req)
	})
	return ch, err
}

// GenerateStructured implements llm.Provider with failover.
func (f *LLMFallback) GenerateStructured(ctx context.Context, req llm.Request, schema *llm.Schema) (map[string]any, llm.Metrics, error) {
	res, _, err := f.GenerateStructuredFor(ctx, func(llm.Identity) llm.Request { return req }, schema)
	return res.Object, res.Metrics, err
}

// GenerateImage implements llm.Provider with failover.
func (f *LLMFallback) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	res, _, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.ImageResult, error) {
		return p.GenerateImage(ctx, req)
	})
	return res, err
}

// GenerateSpeech implements llm.Provider with failover.
func (f *LLMFallback) GenerateSpeech(ctx context.Context, req llm.SpeechRequest) (*llm.SpeechResult, error) {
	res, _, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.SpeechResult, error) {
		return p.GenerateSpeech(ctx, req)
	})
	return res, err
}
