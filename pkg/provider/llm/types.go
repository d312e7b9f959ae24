package llm

import (
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// ResponseFormat selects between free text and a single JSON object.
type ResponseFormat string

const (
	// FormatText requests an unconstrained text response. This is the default.
	FormatText ResponseFormat = "text"

	// FormatJSONObject requests that the model answers with exactly one JSON
	// object. Providers without native JSON mode rely on a prompt instruction.
	FormatJSONObject ResponseFormat = "json_object"
)

// IsValid reports whether f is a recognised response format. The empty value
// is treated as [FormatText].
func (f ResponseFormat) IsValid() bool {
	return f == "" || f == FormatText || f == FormatJSONObject
}

// Request carries everything a provider needs for one generation call.
// Callers should treat a request with no Messages as invalid.
type Request struct {
	// Messages is the ordered conversation, system message first.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// ResponseFormat constrains the shape of the output.
	ResponseFormat ResponseFormat

	// Seed requests deterministic sampling where the backend supports it.
	Seed *int64
}

// Metrics holds token, cost and timing accounting for one generation.
//
// Providers fill the token fields and GenerationTime; cost fields are filled
// by the caller from a cost calculator because providers have no pricing
// knowledge.
type Metrics struct {
	InputTokens  int
	OutputTokens int

	// TotalTokens always equals InputTokens + OutputTokens after [Metrics.Normalize].
	TotalTokens int

	CostIn    float64
	CostOut   float64
	CostTotal float64

	GenerationTime time.Duration

	// ModelUsed is the model that actually produced the response.
	ModelUsed string

	// Cached reports whether the result was served from a cache.
	Cached bool
}

// Normalize enforces the token invariant and clamps negative values to zero.
// Some backends report a total that disagrees with the parts; the parts win.
func (m Metrics) Normalize() Metrics {
	if m.InputTokens < 0 {
		m.InputTokens = 0
	}
	if m.OutputTokens < 0 {
		m.OutputTokens = 0
	}
	m.TotalTokens = m.InputTokens + m.OutputTokens
	if m.CostIn < 0 {
		m.CostIn = 0
	}
	if m.CostOut < 0 {
		m.CostOut = 0
	}
	if m.CostTotal < 0 {
		m.CostTotal = 0
	}
	return m
}

// Completion is the result of a non-streaming text generation.
type Completion struct {
	// Text is the full assistant reply.
	Text string

	// Metrics holds token accounting and timing for the call.
	Metrics Metrics

	// Raw is the backend's untouched output, kept for debugging only.
	Raw string
}

// Chunk is a single fragment of a streaming generation.
//
// A stream ends with exactly one chunk whose Done is true. When the stream
// fails mid-way the final chunk carries Err instead.
type Chunk struct {
	// Delta is the incremental text of this chunk.
	Delta string

	// Metrics holds the accounting known so far. Token counts are estimates
	// until the final chunk.
	Metrics Metrics

	// Err is set on the final chunk when the stream failed.
	Err error

	// Done marks the final chunk.
	Done bool
}

// Schema is a JSON Schema used to validate structured output.
type Schema = jsonschema.Schema

// ImageRequest describes one image generation call.
type ImageRequest struct {
	Prompt string

	// Model overrides the provider's configured image model.
	Model string

	// Size is the requested resolution, e.g. "1024x1024".
	Size string

	// HD requests the high-definition quality tier.
	HD bool

	// Count is the number of images to generate. Zero means one.
	Count int
}

// ImageResult holds generated image locations.
type ImageResult struct {
	URLs    []string
	Metrics Metrics

	// ImageCount is the number of images billed.
	ImageCount int

	// PricingModel is the key the cost calculator should use, e.g. "dall-e-3-hd".
	PricingModel string
}

// SpeechRequest describes one text-to-speech call.
type SpeechRequest struct {
	Input string

	// Model overrides the provider's configured speech model.
	Model string

	// Voice is the backend-specific voice name.
	Voice string
}

// SpeechResult holds synthesised audio.
type SpeechResult struct {
	Audio   []byte
	Metrics Metrics

	// Chars is the number of input characters billed.
	Chars int
}

// Capabilities lists what a provider instance can do.
type Capabilities struct {
	// JSONMode reports native support for [FormatJSONObject].
	JSONMode bool

	// Images reports support for [Provider.GenerateImage].
	Images bool

	// Audio reports support for [Provider.GenerateSpeech].
	Audio bool

	// Streaming reports support for [Provider.GenerateTextStream].
	Streaming bool
}

// Identity describes a provider instance. It is fixed for the lifetime of the
// instance.
type Identity struct {
	// Model is the model name requests are sent to.
	Model string

	// Backend names the implementation, e.g. "openai" or "llamacpp".
	Backend string

	// IsLocal is true for on-device inference backends.
	IsLocal bool

	// Device is "gpu" or "cpu" for local backends and empty otherwise.
	Device string

	Capabilities Capabilities
}

// EstimateTokens approximates the token count of text at roughly four
// characters per token. It never returns zero for non-empty input.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// EstimateMessageTokens sums [EstimateTokens] over all messages.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
