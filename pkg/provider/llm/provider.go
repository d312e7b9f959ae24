// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (the OpenAI cloud API, a
// llama.cpp server, a local Ollama instance, ...) and exposes a uniform
// interface for text, streaming, structured, image and speech generation.
// Backends that cannot perform an operation return [ErrUnsupportedCapability].
//
// Every provider classifies backend failures into [TransientError] or
// [PermanentError] and retries transient ones through a shared [Retrier].
//
// Implementors must be safe for concurrent use. Channels returned by
// GenerateTextStream must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// GenerateText sends req to the model and waits for the full response.
	// Transient failures are retried internally; the returned error is a
	// *TransientError once retries are exhausted, or a *PermanentError.
	GenerateText(ctx context.Context, req Request) (*Completion, error)

	// GenerateTextStream sends req to the model and returns a channel that
	// emits chunks as they arrive. The sequence is finite and cannot be
	// restarted. The initial error is non-nil only for failures that prevent
	// the stream from starting, including [ErrUnsupportedCapability].
	GenerateTextStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// GenerateStructured produces a JSON object and validates it against
	// schema. Malformed or non-conforming output yields a *ParsingError.
	GenerateStructured(ctx context.Context, req Request, schema *Schema) (map[string]any, Metrics, error)

	// GenerateImage creates images from a prompt.
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)

	// GenerateSpeech synthesises speech audio from text.
	GenerateSpeech(ctx context.Context, req SpeechRequest) (*SpeechResult, error)

	// Identity returns static metadata describing this provider instance.
	Identity() Identity
}
