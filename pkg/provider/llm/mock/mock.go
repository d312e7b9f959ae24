// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to script provider responses without a live LLM
// backend and to inspect the requests the caller sent. All fields are safe to
// set before calling any method; mutating them during a concurrent call is the
// caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Script: []mock.Step{
//	        {Err: &llm.TransientError{Backend: "mock", Err: io.ErrUnexpectedEOF}},
//	        {Completion: &llm.Completion{Text: "Hello!"}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Step is one scripted GenerateText result.
type Step struct {
	Completion *llm.Completion
	Err        error
}

// TextCall records a single invocation of GenerateText.
type TextCall struct {
	Ctx context.Context
	Req llm.Request
}

// StructuredCall records a single invocation of GenerateStructured.
type StructuredCall struct {
	Req    llm.Request
	Schema *llm.Schema
}

// Provider is a mock implementation of llm.Provider.
//
// GenerateText consumes Script in order; once it is exhausted, TextFunc is
// consulted, then TextResponse/TextErr. A nil TextResponse yields an empty
// completion.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ID is returned by Identity. A zero Model defaults to "mock-model".
	ID llm.Identity

	// Script holds per-call GenerateText results, consumed front to back.
	Script []Step

	// TextFunc computes the GenerateText result once Script is exhausted.
	TextFunc func(ctx context.Context, req llm.Request) (*llm.Completion, error)

	// TextResponse is returned by GenerateText when neither Script nor TextFunc apply.
	TextResponse *llm.Completion

	// TextErr, if non-nil, is returned as the error from GenerateText.
	TextErr error

	// StreamChunks is the sequence emitted by GenerateTextStream.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by GenerateTextStream.
	StreamErr error

	// StructuredResult is returned by GenerateStructured. When nil and
	// StructuredErr is nil, GenerateStructured parses the GenerateText output.
	StructuredResult map[string]any

	// StructuredErr, if non-nil, is returned by GenerateStructured.
	StructuredErr error

	// ImageResult and ImageErr are returned by GenerateImage.
	ImageResult *llm.ImageResult
	ImageErr    error

	// SpeechResult and SpeechErr are returned by GenerateSpeech.
	SpeechResult *llm.SpeechResult
	SpeechErr    error

	// --- Call records (read after test) ---

	TextCalls       []TextCall
	StreamCalls     []llm.Request
	StructuredCalls []StructuredCall
	ImageCalls      []llm.ImageRequest
	SpeechCalls     []llm.SpeechRequest
}

// Identity implements llm.Provider.
func (p *Provider) Identity() llm.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.ID
	if id.Model == "" {
		id.Model = "mock-model"
	}
	if id.Backend == "" {
		id.Backend = "mock"
	}
	return id
}

// GenerateText records the call and returns the next scripted result.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	p.TextCalls = append(p.TextCalls, TextCall{Ctx: ctx, Req: req})
	if len(p.Script) > 0 {
		step := p.Script[0]
		p.Script = p.Script[1:]
		p.mu.Unlock()
		return step.Completion, step.Err
	}
	fn := p.TextFunc
	resp, err := p.TextResponse, p.TextErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.Completion{}, nil
	}
	c := *resp
	return &c, nil
}

// GenerateTextStream records the call and returns a channel that emits StreamChunks.
func (p *Provider) GenerateTextStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// GenerateStructured records the call and returns StructuredResult, or parses
// the GenerateText output when no structured result is configured.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request, schema *llm.Schema) (map[string]any, llm.Metrics, error) {
	p.mu.Lock()
	p.StructuredCalls = append(p.StructuredCalls, StructuredCall{Req: req, Schema: schema})
	res, err := p.StructuredResult, p.StructuredErr
	p.mu.Unlock()

	if err != nil {
		return nil, llm.Metrics{}, err
	}
	if res != nil {
		return res, llm.Metrics{ModelUsed: p.Identity().Model}, nil
	}
	return llm.StructuredFromText(ctx, p, req, schema)
}

// GenerateImage records the call and returns ImageResult/ImageErr.
func (p *Provider) GenerateImage(_ context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ImageCalls = append(p.ImageCalls, req)
	if p.ImageErr != nil {
		return nil, p.ImageErr
	}
	if p.ImageResult == nil {
		return &llm.ImageResult{}, nil
	}
	r := *p.ImageResult
	return &r, nil
}

// GenerateSpeech records the call and returns SpeechResult/SpeechErr.
func (p *Provider) GenerateSpeech(_ context.Context, req llm.SpeechRequest) (*llm.SpeechResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SpeechCalls = append(p.SpeechCalls, req)
	if p.SpeechErr != nil {
		return nil, p.SpeechErr
	}
	if p.SpeechResult == nil {
		return &llm.SpeechResult{}, nil
	}
	r := *p.SpeechResult
	return &r, nil
}

// TextCallCount returns the number of GenerateText calls so far.
func (p *Provider) TextCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TextCalls)
}

// Reset clears all call records. Responses are not changed.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TextCalls = nil
	p.StreamCalls = nil
	p.StructuredCalls = nil
	p.ImageCalls = nil
	p.SpeechCalls = nil
}
