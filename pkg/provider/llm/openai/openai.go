// Package openai provides the cloud LLM provider backed by the OpenAI API.
//
// Besides chat completions it implements JSON mode, native structured output,
// streaming with usage reporting, image generation and text-to-speech. The
// SDK's built-in retries are disabled so that [llm.Retrier] is the only retry
// layer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// backendName identifies this provider in errors, logs and identities.
const backendName = "openai"

// Defaults for the non-chat endpoints.
const (
	DefaultImageModel  = "dall-e-3"
	DefaultSpeechModel = "tts-1"
	DefaultVoice       = "alloy"
	defaultImageSize   = "1024x1024"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client      oai.Client
	model       string
	imageModel  string
	speechModel string
	voice       string
	retrier     *llm.Retrier
	limiter     *rate.Limiter
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
	retry        llm.RetryConfig
	retryOpts    []llm.RetrierOption
	imageModel   string
	speechModel  string
	voice        string
	rps          float64
	burst        int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. It takes precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithRetry sets the retry policy used for every call.
func WithRetry(rc llm.RetryConfig, opts ...llm.RetrierOption) Option {
	return func(c *config) {
		c.retry = rc
		c.retryOpts = opts
	}
}

// WithImageModel sets the default image model. Default: dall-e-3.
func WithImageModel(model string) Option {
	return func(c *config) {
		c.imageModel = model
	}
}

// WithSpeechModel sets the default text-to-speech model. Default: tts-1.
func WithSpeechModel(model string) Option {
	return func(c *config) {
		c.speechModel = model
	}
}

// WithVoice sets the default text-to-speech voice. Default: alloy.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithRateLimit throttles outbound calls to rps requests per second with the
// given burst. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *config) {
		c.rps = rps
		c.burst = burst
	}
}

// New constructs a new OpenAI Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{
		imageModel:  DefaultImageModel,
		speechModel: DefaultSpeechModel,
		voice:       DefaultVoice,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	p := &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		imageModel:  cfg.imageModel,
		speechModel: cfg.speechModel,
		voice:       cfg.voice,
		retrier:     llm.NewRetrier(cfg.retry, cfg.retryOpts...),
	}
	if cfg.rps > 0 {
		burst := cfg.burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.rps), burst)
	}
	return p, nil
}

// Identity implements llm.Provider.
func (p *Provider) Identity() llm.Identity {
	info := modelInfoFor(p.model)
	return llm.Identity{
		Model:   p.model,
		Backend: backendName,
		Capabilities: llm.Capabilities{
			JSONMode:  info.jsonMode,
			Images:    true,
			Audio:     true,
			Streaming: info.streaming,
		},
	}
}

// ── Text ─────────────────────────────────────────────────────────────────────

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, &llm.PermanentError{Backend: backendName, Err: fmt.Errorf("build params: %w", err)}
	}
	return llm.Retry(ctx, p.retrier, backendName, func(ctx context.Context) llm.Outcome[*llm.Completion] {
		c, err := p.complete(ctx, params)
		return outcome(c, err)
	})
}

// complete performs a single chat completion call.
func (p *Provider) complete(ctx context.Context, params oai.ChatCompletionNewParams) (*llm.Completion, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.PermanentError{Backend: backendName, Err: errors.New("empty choices in response")}
	}

	modelUsed := resp.Model
	if modelUsed == "" {
		modelUsed = p.model
	}
	return &llm.Completion{
		Text: resp.Choices[0].Message.Content,
		Metrics: llm.Metrics{
			InputTokens:    int(resp.Usage.PromptTokens),
			OutputTokens:   int(resp.Usage.CompletionTokens),
			GenerationTime: time.Since(start),
			ModelUsed:      modelUsed,
		}.Normalize(),
		Raw: resp.RawJSON(),
	}, nil
}

// GenerateTextStream implements llm.Provider. Only starting the stream is
// retried; mid-stream failures are reported on the final chunk.
func (p *Provider) GenerateTextStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, &llm.PermanentError{Backend: backendName, Err: fmt.Errorf("build params: %w", err)}
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	type streamT = chatStream
	stream, err := llm.Retry(ctx, p.retrier, backendName, func(ctx context.Context) llm.Outcome[streamT] {
		if err := p.wait(ctx); err != nil {
			return outcome[streamT](nil, err)
		}
		s := p.client.Chat.Completions.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			_ = s.Close()
			return outcome[streamT](nil, fmt.Errorf("start stream: %w", err))
		}
		return llm.Success[streamT](s)
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go p.pump(ctx, stream, req, ch)
	return ch, nil
}

// chatStream is the subset of the SDK stream used by pump.
type chatStream interface {
	Next() bool
	Current() oai.ChatCompletionChunk
	Err() error
	Close() error
}

// pump forwards stream events to ch and closes it when the stream ends.
func (p *Provider) pump(ctx context.Context, stream chatStream, req llm.Request, ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	start := time.Now()
	input := llm.EstimateMessageTokens(req.Messages)
	var text strings.Builder
	var usage oai.CompletionUsage

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		ok := send(llm.Chunk{
			Delta: delta,
			Metrics: llm.Metrics{
				InputTokens:    input,
				OutputTokens:   llm.EstimateTokens(text.String()),
				GenerationTime: time.Since(start),
				ModelUsed:      p.model,
			}.Normalize(),
		})
		if !ok {
			return
		}
	}

	final := llm.Chunk{
		Done: true,
		Metrics: llm.Metrics{
			InputTokens:    input,
			OutputTokens:   llm.EstimateTokens(text.String()),
			GenerationTime: time.Since(start),
			ModelUsed:      p.model,
		},
	}
	if usage.TotalTokens > 0 {
		final.Metrics.InputTokens = int(usage.PromptTokens)
		final.Metrics.OutputTokens = int(usage.CompletionTokens)
	}
	final.Metrics = final.Metrics.Normalize()
	if err := stream.Err(); err != nil {
		final.Err = classify(err)
	}
	send(final)
}

// GenerateStructured implements llm.Provider. Models with structured output
// support receive the schema natively; others fall back to JSON mode. The
// result is validated against schema in both cases.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request, schema *llm.Schema) (map[string]any, llm.Metrics, error) {
	if schema == nil || !modelInfoFor(p.model).structuredOutputs {
		return llm.StructuredFromText(ctx, p, req, schema)
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, llm.Metrics{}, &llm.PermanentError{Backend: backendName, Err: fmt.Errorf("build params: %w", err)}
	}
	params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "structured_response",
				Schema: schema,
			},
		},
	}

	c, err := llm.Retry(ctx, p.retrier, backendName, func(ctx context.Context) llm.Outcome[*llm.Completion] {
		c, err := p.complete(ctx, params)
		return outcome(c, err)
	})
	if err != nil {
		return nil, llm.Metrics{}, err
	}
	obj, err := llm.ParseJSONObject(c.Text)
	if err != nil {
		return nil, c.Metrics, err
	}
	if err := llm.ValidateObject(obj, schema); err != nil {
		var pe *llm.ParsingError
		if errors.As(err, &pe) {
			pe.Raw = c.Text
		}
		return nil, c.Metrics, err
	}
	return obj, c.Metrics, nil
}

// ── Images & speech ──────────────────────────────────────────────────────────

// GenerateImage implements llm.Provider.
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &llm.PermanentError{Backend: backendName, Err: errors.New("image prompt must not be empty")}
	}
	model := req.Model
	if model == "" {
		model = p.imageModel
	}
	size := req.Size
	if size == "" {
		size = defaultImageSize
	}
	params := oai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  oai.ImageModel(model),
		Size:   oai.ImageGenerateParamsSize(size),
	}
	if req.Count > 1 {
		params.N = param.NewOpt(int64(req.Count))
	}
	pricingModel := model
	if req.HD {
		params.Quality = oai.ImageGenerateParamsQualityHD
		pricingModel = model + "-hd"
	}

	return llm.Retry(ctx, p.retrier, backendName, func(ctx context.Context) llm.Outcome[*llm.ImageResult] {
		if err := p.wait(ctx); err != nil {
			return outcome[*llm.ImageResult](nil, err)
		}
		start := time.Now()
		resp, err := p.client.Images.Generate(ctx, params)
		if err != nil {
			return outcome[*llm.ImageResult](nil, fmt.Errorf("generate image: %w", err))
		}
		res := &llm.ImageResult{
			PricingModel: pricingModel,
			Metrics: llm.Metrics{
				GenerationTime: time.Since(start),
				ModelUsed:      model,
			},
		}
		for _, img := range resp.Data {
			if img.URL != "" {
				res.URLs = append(res.URLs, img.URL)
			}
		}
		res.ImageCount = len(resp.Data)
		return llm.Success(res)
	})
}

// GenerateSpeech implements llm.Provider.
func (p *Provider) GenerateSpeech(ctx context.Context, req llm.SpeechRequest) (*llm.SpeechResult, error) {
	if req.Input == "" {
		return nil, &llm.PermanentError{Backend: backendName, Err: errors.New("speech input must not be empty")}
	}
	model := req.Model
	if model == "" {
		model = p.speechModel
	}
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Input: req.Input,
		Model: oai.SpeechModel(model),
		Voice: oai.AudioSpeechNewParamsVoice(voice),
	}

	return llm.Retry(ctx, p.retrier, backendName, func(ctx context.Context) llm.Outcome[*llm.SpeechResult] {
		if err := p.wait(ctx); err != nil {
			return outcome[*llm.SpeechResult](nil, err)
		}
		start := time.Now()
		resp, err := p.client.Audio.Speech.New(ctx, params)
		if err != nil {
			return outcome[*llm.SpeechResult](nil, fmt.Errorf("generate speech: %w", err))
		}
		defer resp.Body.Close()
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return outcome[*llm.SpeechResult](nil, fmt.Errorf("read speech body: %w", err))
		}
		return llm.Success(&llm.SpeechResult{
			Audio: audio,
			Chars: len([]rune(req.Input)),
			Metrics: llm.Metrics{
				GenerationTime: time.Since(start),
				ModelUsed:      model,
			},
		})
	})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// wait blocks until the rate limiter admits one request.
func (p *Provider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// outcome classifies a call result for the retry loop.
func outcome[T any](v T, err error) llm.Outcome[T] {
	if err == nil {
		return llm.Success(v)
	}
	err = classify(err)
	if llm.IsTransient(err) {
		return llm.Transient[T](err)
	}
	return llm.Permanent[T](err)
}

// classify maps OpenAI API errors to the llm error taxonomy. Rate limits,
// timeouts, conflicts and server errors are transient.
func classify(err error) error {
	if err == nil || llm.IsTransient(err) || llm.IsPermanent(err) {
		return err
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusRequestTimeout,
			code == http.StatusConflict,
			code == http.StatusTooManyRequests,
			code >= http.StatusInternalServerError:
			return &llm.TransientError{Backend: backendName, Err: err}
		default:
			return &llm.PermanentError{Backend: backendName, Err: err}
		}
	}
	return llm.Classify(backendName, err)
}

// modelInfo captures per-model feature support.
type modelInfo struct {
	jsonMode          bool
	structuredOutputs bool
	streaming         bool
}

// modelInfoFor returns feature support for known OpenAI model names.
// Unknown models are assumed to support JSON mode and streaming only.
func modelInfoFor(model string) modelInfo {
	info := modelInfo{jsonMode: true, streaming: true}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"),
		strings.HasPrefix(lower, "gpt-4o"):
		info.structuredOutputs = true
	case strings.HasPrefix(lower, "gpt-4-turbo"),
		strings.HasPrefix(lower, "gpt-3.5-turbo"):
		// JSON mode but no schema-constrained output.
	case strings.HasPrefix(lower, "gpt-4"):
		info.jsonMode = false
	case strings.HasPrefix(lower, "o1-mini"):
		info.jsonMode = false
		info.streaming = false
	case strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"):
		info.structuredOutputs = true
	}
	return info
}

// buildParams converts an llm.Request into OpenAI SDK params.
func (p *Provider) buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("request has no messages")
	}
	if !req.ResponseFormat.IsValid() {
		return oai.ChatCompletionNewParams{}, fmt.Errorf("unknown response format %q", req.ResponseFormat)
	}

	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Seed != nil {
		params.Seed = param.NewOpt(*req.Seed)
	}
	if req.ResponseFormat == llm.FormatJSONObject && modelInfoFor(p.model).jsonMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

