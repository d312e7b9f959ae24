// Package generation implements the provider-agnostic generation service.
//
// A [Service] turns a [Request] into provider messages with a
// [prompt.Builder], sends them through a [resilience.LLMFallback] (circuit
// breaker, provider retries, single-attempt fallback), prices the result with
// a [cost.Calculator], records metrics and spans, and hands a
// [eventlog.GenerationRecord] to the configured sink.
//
// Generate and GenerateStructured never return an error: failures are
// reported in [Result.Err] with the configured apology as the message.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/engagecore/internal/cost"
	"github.com/MrWong99/engagecore/internal/eventlog"
	"github.com/MrWong99/engagecore/internal/observe"
	"github.com/MrWong99/engagecore/internal/prompt"
	"github.com/MrWong99/engagecore/internal/resilience"
	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// DefaultApology is returned to the user when generation fails.
const DefaultApology = "Sorry, I couldn't process your request right now. Please try again in a moment."

// Defaults applied by [New].
const (
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 2048
)

// Request is one generation call. It is passed by value and never modified.
type Request struct {
	SystemPrompt string
	UserMessage  string

	// History holds previous turns, most recent last.
	History []prompt.Turn

	// Media descriptors are rendered into the system prompt.
	Media []prompt.Media

	// Temperature overrides the service default when non-nil.
	Temperature *float64

	// MaxTokens overrides the service default when > 0.
	MaxTokens int

	ResponseFormat llm.ResponseFormat
	Seed           *int64

	// Tags are attached to logs and the generation record, e.g. agent or user_id.
	Tags map[string]string
}

// Response is the user-facing part of a [Result].
type Response struct {
	Message string

	// AgentState is never nil. It holds the parsed object for JSON responses
	// and {"error": ...} on failure.
	AgentState map[string]any

	Metadata map[string]any
}

// Result is the outcome of a generation call.
type Result struct {
	Response
	Metrics   llm.Metrics
	RawOutput string
	Err       error
}

// Failed reports whether the generation failed.
func (r Result) Failed() bool { return r.Err != nil }

// Service is safe for concurrent use.
type Service struct {
	llm      *resilience.LLMFallback
	builder  *prompt.Builder
	costs    cost.Calculator
	sink     eventlog.Sink
	metrics  *observe.Metrics
	now      func() time.Time
	primary  llm.Identity
	settings settings
}

type settings struct {
	temperature  float64
	maxTokens    int
	apology      string
	costTracking bool
}

// Option configures a [Service].
type Option func(*Service)

// WithPromptBuilder sets the prompt builder. Default: [prompt.New] with defaults.
func WithPromptBuilder(b *prompt.Builder) Option {
	return func(s *Service) { s.builder = b }
}

// WithCalculator sets the cost calculator used for hosted providers.
// Default: [cost.NewTable] over [cost.DefaultPrices].
func WithCalculator(c cost.Calculator) Option {
	return func(s *Service) { s.costs = c }
}

// WithCostTracking enables or disables cost accounting. Default: enabled.
func WithCostTracking(enabled bool) Option {
	return func(s *Service) { s.settings.costTracking = enabled }
}

// WithSink sets the event log sink. It should not block; wrap slow sinks in
// [eventlog.Async]. Default: [eventlog.Discard].
func WithSink(sink eventlog.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDefaults sets the temperature and max tokens used when a request does
// not override them.
func WithDefaults(temperature float64, maxTokens int) Option {
	return func(s *Service) {
		s.settings.temperature = temperature
		if maxTokens > 0 {
			s.settings.maxTokens = maxTokens
		}
	}
}

// WithApology sets the message returned on failure.
func WithApology(msg string) Option {
	return func(s *Service) {
		if msg != "" {
			s.settings.apology = msg
		}
	}
}

// WithClock overrides the time source used for GenerationTime.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service around providers.
func New(providers *resilience.LLMFallback, opts ...Option) (*Service, error) {
	if providers == nil {
		return nil, fmt.Errorf("generation: providers must not be nil")
	}
	s := &Service{
		llm:     providers,
		primary: providers.Primary().Identity(),
		now:     time.Now,
		settings: settings{
			temperature:  DefaultTemperature,
			maxTokens:    DefaultMaxTokens,
			apology:      DefaultApology,
			costTracking: true,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.builder == nil {
		s.builder = prompt.New()
	}
	if s.costs == nil {
		s.costs = cost.NewTable(cost.DefaultPrices)
	}
	if s.sink == nil {
		s.sink = eventlog.Discard{}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Primary returns the identity of the primary provider.
func (s *Service) Primary() llm.Identity { return s.primary }

// Apology returns the configured failure message.
func (s *Service) Apology() string { return s.settings.apology }

// ── Text ─────────────────────────────────────────────────────────────────────

// Generate runs a text generation. When req.ResponseFormat is
// [llm.FormatJSONObject] the reply must be a single JSON object, which is
// returned in AgentState; anything else yields a *llm.ParsingError.
func (s *Service) Generate(ctx context.Context, req Request) Result {
	ctx, span := observe.StartSpan(ctx, "generation.Generate",
		trace.WithAttributes(attribute.String("response_format", string(formatOf(req)))),
	)
	defer span.End()

	start := s.now()
	c, id, err := s.llm.GenerateFor(ctx, func(id llm.Identity) llm.Request {
		return s.providerRequest(req, id)
	})
	elapsed := s.now().Sub(start)

	var res Result
	if err == nil {
		res, err = s.textResult(req, c, id)
	}
	if err != nil {
		raw := ""
		if c != nil {
			raw = c.Text
		}
		res = s.failure(id, err, raw)
	}
	res.Metrics.GenerationTime = elapsed
	s.finish(ctx, span, "text", req, id, res)
	return res
}

func (s *Service) textResult(req Request, c *llm.Completion, id llm.Identity) (Result, error) {
	res := Result{
		Response: Response{
			Message:    c.Text,
			AgentState: map[string]any{},
			Metadata:   s.metadata(id),
		},
		RawOutput: c.Text,
	}
	if formatOf(req) == llm.FormatJSONObject {
		obj, err := llm.ParseJSONObject(c.Text)
		if err != nil {
			return Result{}, err
		}
		res.AgentState = obj
	}
	res.Metrics = s.price(id, c.Metrics)
	return res, nil
}

// ── Structured ───────────────────────────────────────────────────────────────

// GenerateStructured asks for a JSON object conforming to schema and returns
// it in AgentState. Message holds the compact JSON encoding of the object.
func (s *Service) GenerateStructured(ctx context.Context, req Request, schema *llm.Schema) Result {
	ctx, span := observe.StartSpan(ctx, "generation.GenerateStructured")
	defer span.End()

	req.ResponseFormat = llm.FormatJSONObject
	start := s.now()
	out, id, err := s.llm.GenerateStructuredFor(ctx, func(id llm.Identity) llm.Request {
		return s.providerRequest(req, id)
	}, schema)
	elapsed := s.now().Sub(start)

	var res Result
	if err == nil {
		var body []byte
		body, err = json.Marshal(out.Object)
		if err == nil {
			res = Result{
				Response: Response{
					Message:    string(body),
					AgentState: out.Object,
					Metadata:   s.metadata(id),
				},
				Metrics:   s.price(id, out.Metrics),
				RawOutput: string(body),
			}
		}
	}
	if err != nil {
		res = s.failure(id, err, rawOf(err))
	}
	res.Metrics.GenerationTime = elapsed
	s.finish(ctx, span, "structured", req, id, res)
	return res
}

// ── Streaming ────────────────────────────────────────────────────────────────

// Stream starts a streaming generation against the primary provider, falling
// back only if the stream cannot be opened. The final chunk carries priced
// metrics. Streams are not written to the event log.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan llm.Chunk, error) {
	ctx, span := observe.StartSpan(ctx, "generation.Stream")
	start := s.now()

	in, err := s.llm.GenerateTextStream(ctx, s.providerRequest(req, s.primary))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		s.metrics.RecordProviderError(ctx, s.primary.Backend, "stream")
		return nil, fmt.Errorf("generation: open stream: %w", err)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer span.End()
		for chunk := range in {
			if chunk.Done {
				chunk.Metrics = s.price(s.primary, chunk.Metrics)
				chunk.Metrics.GenerationTime = s.now().Sub(start)
				m := chunk.Metrics
				s.metrics.RecordGeneration(ctx, m.ModelUsed, observe.StatusOf(chunk.Err), m.GenerationTime, m.CostTotal, m.InputTokens, m.OutputTokens)
				if chunk.Err != nil {
					span.RecordError(chunk.Err)
					span.SetStatus(codes.Error, chunk.Err.Error())
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ── Media ────────────────────────────────────────────────────────────────────

// GenerateImage creates images with the primary provider and prices them.
func (s *Service) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	ctx, span := observe.StartSpan(ctx, "generation.GenerateImage")
	defer span.End()

	start := s.now()
	res, err := s.llm.Primary().GenerateImage(ctx, req)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.recordMediaFailure(ctx, span, "image", req.Model, elapsed, err)
		return nil, fmt.Errorf("generation: image: %w", err)
	}

	model := res.PricingModel
	if model == "" {
		model = res.Metrics.ModelUsed
	}
	b := s.calculator(s.primary).Calculate(model, cost.Usage{ImageCount: res.ImageCount})
	res.Metrics = withCost(res.Metrics, b)
	res.Metrics.GenerationTime = elapsed
	s.metrics.RecordGeneration(ctx, model, observe.StatusOK, elapsed, b.Total, 0, 0)
	s.metrics.RecordProviderRequest(ctx, s.primary.Backend, "image", observe.StatusOK)
	return res, nil
}

// GenerateSpeech synthesises speech with the primary provider and prices it by
// input characters.
func (s *Service) GenerateSpeech(ctx context.Context, req llm.SpeechRequest) (*llm.SpeechResult, error) {
	ctx, span := observe.StartSpan(ctx, "generation.GenerateSpeech")
	defer span.End()

	start := s.now()
	res, err := s.llm.Primary().GenerateSpeech(ctx, req)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.recordMediaFailure(ctx, span, "speech", req.Model, elapsed, err)
		return nil, fmt.Errorf("generation: speech: %w", err)
	}

	model := res.Metrics.ModelUsed
	b := s.calculator(s.primary).Calculate(model, cost.Usage{ExtraChars: res.Chars})
	res.Metrics = withCost(res.Metrics, b)
	res.Metrics.GenerationTime = elapsed
	s.metrics.RecordGeneration(ctx, model, observe.StatusOK, elapsed, b.Total, 0, 0)
	s.metrics.RecordProviderRequest(ctx, s.primary.Backend, "speech", observe.StatusOK)
	return res, nil
}

func (s *Service) recordMediaFailure(ctx context.Context, span trace.Span, kind, model string, d time.Duration, err error) {
	if model == "" {
		model = s.primary.Model
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.RecordGeneration(ctx, model, observe.StatusError, d, 0, 0, 0)
	s.metrics.RecordProviderRequest(ctx, s.primary.Backend, kind, observe.StatusError)
	s.metrics.RecordProviderError(ctx, s.primary.Backend, kind)
	observe.Logger(ctx).Error("generation failed", "kind", kind, "backend", s.primary.Backend, "err", err)
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// providerRequest builds the provider request for the provider described by
// id. Providers without native JSON mode get an explicit instruction.
func (s *Service) providerRequest(req Request, id llm.Identity) llm.Request {
	var opts []prompt.Option
	if formatOf(req) == llm.FormatJSONObject && !id.Capabilities.JSONMode {
		opts = append(opts, prompt.WithJSONInstruction())
	}
	temperature := s.settings.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := s.settings.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return llm.Request{
		Messages:       s.builder.BuildMessages(req.SystemPrompt, req.UserMessage, req.History, req.Media, opts...),
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: formatOf(req),
		Seed:           req.Seed,
	}
}

func (s *Service) calculator(id llm.Identity) cost.Calculator {
	if !s.settings.costTracking || id.IsLocal {
		return cost.Zero{}
	}
	return s.costs
}

// price fills ModelUsed and cost fields and normalizes token counts.
func (s *Service) price(id llm.Identity, m llm.Metrics) llm.Metrics {
	if m.ModelUsed == "" {
		m.ModelUsed = id.Model
	}
	m = m.Normalize()
	b := s.calculator(id).Calculate(m.ModelUsed, cost.Usage{
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
	})
	return withCost(m, b)
}

func withCost(m llm.Metrics, b cost.Breakdown) llm.Metrics {
	m.CostIn, m.CostOut, m.CostTotal = b.In, b.Out, b.Total
	return m.Normalize()
}

func (s *Service) failure(id llm.Identity, err error, raw string) Result {
	return Result{
		Response: Response{
			Message:    s.settings.apology,
			AgentState: map[string]any{"error": err.Error()},
			Metadata:   s.metadata(id),
		},
		Metrics:   llm.Metrics{ModelUsed: id.Model},
		RawOutput: raw,
		Err:       err,
	}
}

func (s *Service) metadata(id llm.Identity) map[string]any {
	return map[string]any{
		"backend":  id.Backend,
		"model":    id.Model,
		"local":    id.IsLocal,
		"fallback": id.Backend != s.primary.Backend || id.Model != s.primary.Model,
	}
}

// finish records metrics, the span outcome, logs and the generation record.
func (s *Service) finish(ctx context.Context, span trace.Span, kind string, req Request, id llm.Identity, res Result) {
	m := res.Metrics
	status := observe.StatusOf(res.Err)

	span.SetAttributes(
		attribute.String("model", m.ModelUsed),
		attribute.String("backend", id.Backend),
		attribute.Int("tokens.input", m.InputTokens),
		attribute.Int("tokens.output", m.OutputTokens),
		attribute.Float64("cost_usd", m.CostTotal),
	)
	s.metrics.RecordGeneration(ctx, m.ModelUsed, status, m.GenerationTime, m.CostTotal, m.InputTokens, m.OutputTokens)
	s.metrics.RecordProviderRequest(ctx, id.Backend, kind, status)

	rec := eventlog.GenerationRecord{
		RequestID: observe.RequestID(ctx),
		Model:     m.ModelUsed,
		Prompt:    s.builder.BuildFullPromptText(req.SystemPrompt, req.UserMessage, req.History, req.Media),
		Response:  res.Message,
		Status:    eventlog.StatusSuccess,
		Metrics:   m,
		Tags:      req.Tags,
		CreatedAt: s.now(),
	}

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		s.metrics.RecordProviderError(ctx, id.Backend, kind)
		rec.Status = eventlog.StatusError
		rec.Error = res.Err.Error()
		rec.Response = res.RawOutput

		args := []any{"kind", kind, "model", m.ModelUsed, "err", res.Err}
		for k, v := range req.Tags {
			args = append(args, k, v)
		}
		observe.Logger(ctx).Error("generation failed", args...)
	}

	if err := s.sink.LogGeneration(ctx, rec.Truncated()); err != nil {
		observe.Logger(ctx).Debug("generation: event log write failed", "err", err)
	}
}

func formatOf(req Request) llm.ResponseFormat {
	if req.ResponseFormat == "" {
		return llm.FormatText
	}
	return req.ResponseFormat
}

func rawOf(err error) string {
	var pe *llm.ParsingError
	if errors.As(err, &pe) {
		return pe.Raw
	}
	return ""
}
