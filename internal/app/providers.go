package app

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/engagecore/internal/config"
	"github.com/MrWong99/engagecore/pkg/provider/llm"
	"github.com/MrWong99/engagecore/pkg/provider/llm/anyllm"
	"github.com/MrWong99/engagecore/pkg/provider/llm/openai"
)

// remoteBackends are cloud services reached through any-llm-go.
var remoteBackends = []string{
	anyllm.BackendAnthropic,
	anyllm.BackendGemini,
	anyllm.BackendDeepSeek,
	anyllm.BackendMistral,
	anyllm.BackendGroq,
}

// localBackends are self-hosted inference servers with a worker pool.
var localBackends = []string{
	anyllm.BackendLlamaCpp,
	anyllm.BackendOllama,
	anyllm.BackendLlamaFile,
}

// RegisterBuiltinProviders wires every built-in LLM factory into reg. The
// shared llm settings (retry policy, request timeout, media models) come from
// lc; per-provider knobs come from [config.ProviderEntry.Options]:
//
//	openai:           organization, voice, rps, burst
//	llamacpp, ollama,
//	llamafile:        device (gpu|cpu), workers
func RegisterBuiltinProviders(reg *config.Registry, lc config.LLMConfig) {
	retry := llm.RetryConfig{
		MaxAttempts: lc.MaxRetries,
		BaseDelay:   lc.RetryBaseDelay,
		MaxDelay:    lc.RetryMaxDelay,
	}

	// ── OpenAI (native SDK) ──────────────────────────────────────────────────
	reg.RegisterLLM(anyllm.BackendOpenAI, func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{
			openai.WithHTTPClient(newHTTPClient(lc.RequestTimeout)),
			openai.WithRetry(retry),
		}
		if lc.ImageModel != "" {
			opts = append(opts, openai.WithImageModel(lc.ImageModel))
		}
		if lc.SpeechModel != "" {
			opts = append(opts, openai.WithSpeechModel(lc.SpeechModel))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if voice := e.OptionString("voice"); voice != "" {
			opts = append(opts, openai.WithVoice(voice))
		}
		if rps := e.OptionFloat("rps"); rps > 0 {
			opts = append(opts, openai.WithRateLimit(rps, e.OptionInt("burst")))
		}
		p, err := openai.New(e.APIKey, e.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Remote any-llm backends ──────────────────────────────────────────────
	for _, name := range remoteBackends {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			opts := []anyllm.Option{anyllm.WithRetry(retry)}
			if e.APIKey != "" {
				opts = append(opts, anyllm.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllm.WithBaseURL(e.BaseURL))
			}
			p, err := anyllm.New(name, e.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── Local inference servers ──────────────────────────────────────────────
	for _, name := range localBackends {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			opts := []anyllm.Option{anyllm.WithRetry(retry)}
			if e.BaseURL != "" {
				opts = append(opts, anyllm.WithBaseURL(e.BaseURL))
			}
			if e.APIKey != "" {
				opts = append(opts, anyllm.WithAPIKey(e.APIKey))
			}
			if d := e.OptionString("device"); d != "" {
				opts = append(opts, anyllm.WithDevice(anyllm.Device(d)))
			}
			if n := e.OptionInt("workers"); n > 0 {
				opts = append(opts, anyllm.WithWorkers(n))
			}
			p, err := anyllm.New(name, e.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
}

// newHTTPClient returns a client whose requests are traced as client spans.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
