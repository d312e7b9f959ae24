// Package anyllm provides LLM providers backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface.
//
// Two local variants run inference on the same host: [NewLlamaCpp] talks to a
// llama.cpp server and [NewOllama] to an Ollama daemon. Local inference is
// gated by a bounded worker pool whose size depends on the device detected at
// construction. [New] also reaches the remote any-llm backends (anthropic,
// gemini, deepseek, mistral, groq) without a pool.
//
// Usage:
//
//	p, err := anyllm.NewLlamaCpp("qwen2.5-7b-instruct", anyllm.WithBaseURL("http://127.0.0.1:8080/v1"))
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllm.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Device is the hardware class local inference runs on.
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// Backend names accepted by [New].
const (
	BackendLlamaCpp  = "llamacpp"
	BackendOllama    = "ollama"
	BackendLlamaFile = "llamafile"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendGemini    = "gemini"
	BackendDeepSeek  = "deepseek"
	BackendMistral   = "mistral"
	BackendGroq      = "groq"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
	local   bool
	device  Device
	workers int
	pool    *semaphore.Weighted // nil for remote backends
	retrier *llm.Retrier
}

// config holds optional configuration for the provider.
type config struct {
	libOpts   []anyllmlib.Option
	device    Device
	workers   int
	retry     llm.RetryConfig
	retryOpts []llm.RetrierOption
	probe     deviceProbe
}

// Option is a functional option for Provider.
type Option func(*config)

// WithAPIKey sets the backend API key. Without it, the backend reads its usual
// environment variable (e.g. ANTHROPIC_API_KEY).
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.libOpts = append(c.libOpts, anyllmlib.WithAPIKey(key))
	}
}

// WithBaseURL overrides the backend endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.libOpts = append(c.libOpts, anyllmlib.WithBaseURL(url))
	}
}

// WithBackendOptions passes raw any-llm-go options to the backend.
func WithBackendOptions(opts ...anyllmlib.Option) Option {
	return func(c *config) {
		c.libOpts = append(c.libOpts, opts...)
	}
}

// WithDevice forces the inference device instead of auto-detecting it.
func WithDevice(d Device) Option {
	return func(c *config) {
		c.device = d
	}
}

// WithWorkers overrides the worker pool size for local backends.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithRetry sets the retry policy used for every call.
func WithRetry(rc llm.RetryConfig, opts ...llm.RetrierOption) Option {
	return func(c *config) {
		c.retry = rc
		c.retryOpts = opts
	}
}

// New creates a Provider for the named any-llm backend.
//
// backendName is one of: "llamacpp", "ollama", "llamafile", "openai",
// "anthropic", "gemini", "deepseek", "mistral", "groq". The first three are
// local and get a device-sized worker pool.
func New(backendName string, model string, opts ...Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	cfg := &config{probe: hostProbe()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.device != "" && cfg.device != DeviceGPU && cfg.device != DeviceCPU {
		return nil, fmt.Errorf("anyllm: unknown device %q", cfg.device)
	}

	name := strings.ToLower(backendName)
	backend, err := createBackend(name, cfg.libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	p := &Provider{
		backend: backend,
		name:    name,
		model:   model,
		local:   isLocalBackend(name),
		retrier: llm.NewRetrier(cfg.retry, cfg.retryOpts...),
	}
	if p.local {
		p.device = cfg.device
		if p.device == "" {
			p.device = detectDevice(cfg.probe)
		}
		p.workers = cfg.workers
		if p.workers <= 0 {
			p.workers = poolSize(p.device, runtime.NumCPU())
		}
		p.pool = semaphore.NewWeighted(int64(p.workers))
	}
	return p, nil
}

// NewLlamaCpp creates a local Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...Option) (*Provider, error) {
	return New(BackendLlamaCpp, model, opts...)
}

// NewOllama creates a local Provider backed by Ollama.
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...Option) (*Provider, error) {
	return New(BackendOllama, model, opts...)
}

// NewLlamaFile creates a local Provider backed by a running llamafile server.
func NewLlamaFile(model string, opts ...Option) (*Provider, error) {
	return New(BackendLlamaFile, model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch name {
	case BackendLlamaCpp:
		return llamacpp.New(opts...)
	case BackendOllama:
		return ollama.New(opts...)
	case BackendLlamaFile:
		return llamafile.New(opts...)
	case BackendOpenAI:
		return anyllmoai.New(opts...)
	case BackendAnthropic:
		return anthropic.New(opts...)
	case BackendGemini:
		return gemini.New(opts...)
	case BackendDeepSeek:
		return deepseek.New(opts...)
	case BackendMistral:
		return mistral.New(opts...)
	case BackendGroq:
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: llamacpp, ollama, llamafile, openai, anthropic, gemini, deepseek, mistral, groq", name)
	}
}

func isLocalBackend(name string) bool {
	switch name {
	case BackendLlamaCpp, BackendOllama, BackendLlamaFile:
		return true
	default:
		return false
	}
}

// ── Device detection & pool ──────────────────────────────────────────────────

// deviceProbe abstracts the host facts used to pick a device.
type deviceProbe struct {
	lookupEnv func(string) (string, bool)
	exists    func(path string) bool
	goos      string
	goarch    string
}

func hostProbe() deviceProbe {
	return deviceProbe{
		lookupEnv: os.LookupEnv,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}
}

// detectDevice picks gpu or cpu. An explicit CUDA_VISIBLE_DEVICES wins; an
// empty value or "-1" hides all GPUs.
func detectDevice(pr deviceProbe) Device {
	if v, ok := pr.lookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return DeviceCPU
		}
		return DeviceGPU
	}
	if pr.exists("/dev/nvidia0") {
		return DeviceGPU
	}
	if pr.goos == "darwin" && pr.goarch == "arm64" {
		return DeviceGPU
	}
	return DeviceCPU
}

// poolSize returns the number of concurrent inferences for device.
func poolSize(d Device, numCPU int) int {
	if d == DeviceGPU {
		return 1
	}
	return max(1, numCPU/2)
}

// acquire waits for a worker slot. The returned func releases it.
func (p *Provider) acquire(ctx context.Context) (func(), error) {
	if p.pool == nil {
		return func() {}, nil
	}
	if err := p.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.pool.Release(1) }, nil
}

// ── llm.Provider ─────────────────────────────────────────────────────────────

// Identity implements llm.Provider.
func (p *Provider) Identity() llm.Identity {
	return llm.Identity{
		Model:   p.model,
		Backend: p.name,
		IsLocal: p.local,
		Device:  string(p.device),
		Capabilities: llm.Capabilities{
			Streaming: !p.local,
		},
	}
}

// Workers returns the worker pool size, or 0 for remote backends.
func (p *Provider) Workers() int { return p.workers }

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, &llm.PermanentError{Backend: p.name, Err: fmt.Errorf("build params: %w", err)}
	}
	return llm.Retry(ctx, p.retrier, p.name, func(ctx context.Context) llm.Outcome[*llm.Completion] {
		c, err := p.complete(ctx, req, params)
		if err != nil {
			return llm.OutcomeOf[*llm.Completion](p.name, nil, classify(p.name, err))
		}
		return llm.Success(c)
	})
}

// complete runs one completion on a worker slot.
func (p *Provider) complete(ctx context.Context, req llm.Request, params anyllmlib.CompletionParams) (*llm.Completion, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for worker: %w", err)
	}
	defer release()

	start := time.Now()
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.PermanentError{Backend: p.name, Err: errors.New("empty choices in response")}
	}

	text := resp.Choices[0].Message.ContentString()
	m := llm.Metrics{
		GenerationTime: time.Since(start),
		ModelUsed:      p.model,
	}
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		m.InputTokens = resp.Usage.PromptTokens
		m.OutputTokens = resp.Usage.CompletionTokens
	} else {
		m.InputTokens = llm.EstimateMessageTokens(req.Messages)
		m.OutputTokens = llm.EstimateTokens(text)
	}
	return &llm.Completion{Text: text, Metrics: m.Normalize(), Raw: text}, nil
}

// GenerateTextStream implements llm.Provider. Local backends do not stream.
func (p *Provider) GenerateTextStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if p.local {
		return nil, &llm.PermanentError{Backend: p.name, Err: fmt.Errorf("stream: %w", llm.ErrUnsupportedCapability)}
	}
	params, err := p.buildParams(req)
	if err != nil {
		return nil, &llm.PermanentError{Backend: p.name, Err: fmt.Errorf("build params: %w", err)}
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)
	input := llm.EstimateMessageTokens(req.Messages)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		start := time.Now()
		var text strings.Builder
		metrics := func() llm.Metrics {
			return llm.Metrics{
				InputTokens:    input,
				OutputTokens:   llm.EstimateTokens(text.String()),
				GenerationTime: time.Since(start),
				ModelUsed:      p.model,
			}.Normalize()
		}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			select {
			case ch <- llm.Chunk{Delta: delta, Metrics: metrics()}:
			case <-ctx.Done():
				return
			}
		}

		final := llm.Chunk{Done: true, Metrics: metrics()}
		if err := <-backendErrs; err != nil {
			final.Err = classify(p.name, err)
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// GenerateStructured implements llm.Provider using JSON-instructed text
// generation and schema validation.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request, schema *llm.Schema) (map[string]any, llm.Metrics, error) {
	return llm.StructuredFromText(ctx, p, req, schema)
}

// GenerateImage implements llm.Provider. It is not supported by any-llm backends.
func (p *Provider) GenerateImage(context.Context, llm.ImageRequest) (*llm.ImageResult, error) {
	return nil, &llm.PermanentError{Backend: p.name, Err: fmt.Errorf("generate image: %w", llm.ErrUnsupportedCapability)}
}

// GenerateSpeech implements llm.Provider. It is not supported by any-llm backends.
func (p *Provider) GenerateSpeech(context.Context, llm.SpeechRequest) (*llm.SpeechResult, error) {
	return nil, &llm.PermanentError{Backend: p.name, Err: fmt.Errorf("generate speech: %w", llm.ErrUnsupportedCapability)}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// classify maps backend errors to the llm error taxonomy. any-llm-go surfaces
// HTTP failures as plain errors, so rate limits and overloads are recognised
// by their message.
func classify(backend string, err error) error {
	if err == nil || llm.IsTransient(err) || llm.IsPermanent(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests", "503", "502", "overloaded", "connection refused"} {
		if strings.Contains(msg, marker) {
			return &llm.TransientError{Backend: backend, Err: err}
		}
	}
	return llm.Classify(backend, err)
}

// buildParams converts an llm.Request into any-llm CompletionParams. Seed and
// response format have no portable any-llm equivalent and are not sent.
func (p *Provider) buildParams(req llm.Request) (anyllmlib.CompletionParams, error) {
	if len(req.Messages) == 0 {
		return anyllmlib.CompletionParams{}, errors.New("request has no messages")
	}
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return anyllmlib.CompletionParams{}, err
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params, nil
}

// convertMessage converts an llm.Message to an anyllm.Message.
func convertMessage(m llm.Message) (anyllmlib.Message, error) {
	switch m.Role {
	case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		return anyllmlib.Message{Role: string(m.Role), Content: m.Content}, nil
	default:
		return anyllmlib.Message{}, fmt.Errorf("anyllm: unknown message role %q", m.Role)
	}
}
