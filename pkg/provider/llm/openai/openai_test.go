package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

const chatOK = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-mini-2024-07-18",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

// newTestProvider starts a fake API server and returns a provider pointing at it.
func newTestProvider(t *testing.T, model string, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	noSleep := llm.WithSleep(func(context.Context, time.Duration) error { return nil })
	p, err := New("sk-test", model,
		WithBaseURL(srv.URL+"/"),
		WithRetry(llm.RetryConfig{MaxAttempts: 3}, noSleep),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func userRequest(text string) llm.Request {
	return llm.Request{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful."},
		{Role: llm.RoleUser, Content: text},
	}}
}

// ── Constructor ──────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("sk-test", "gpt-4o",
		WithOrganization("org-1"),
		WithTimeout(5*time.Second),
		WithRateLimit(10, 2),
		WithImageModel("dall-e-2"),
		WithVoice("nova"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.limiter == nil {
		t.Error("expected rate limiter to be configured")
	}
	if p.imageModel != "dall-e-2" || p.voice != "nova" || p.speechModel != DefaultSpeechModel {
		t.Errorf("unexpected defaults: image=%q voice=%q speech=%q", p.imageModel, p.voice, p.speechModel)
	}
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := p.Identity()
	if id.Backend != "openai" || id.Model != "gpt-4o-mini" || id.IsLocal {
		t.Errorf("unexpected identity: %+v", id)
	}
	if !id.Capabilities.JSONMode || !id.Capabilities.Images || !id.Capabilities.Audio {
		t.Errorf("unexpected capabilities: %+v", id.Capabilities)
	}
}

// ── Message conversion & params ──────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role  string
		check func(t *testing.T, err error, ok [3]bool)
	}{
		{llm.RoleSystem, func(t *testing.T, err error, ok [3]bool) {
			if err != nil || !ok[0] {
				t.Errorf("system: err=%v set=%v", err, ok)
			}
		}},
		{llm.RoleUser, func(t *testing.T, err error, ok [3]bool) {
			if err != nil || !ok[1] {
				t.Errorf("user: err=%v set=%v", err, ok)
			}
		}},
		{llm.RoleAssistant, func(t *testing.T, err error, ok [3]bool) {
			if err != nil || !ok[2] {
				t.Errorf("assistant: err=%v set=%v", err, ok)
			}
		}},
		{"wizard", func(t *testing.T, err error, _ [3]bool) {
			if err == nil {
				t.Error("expected error for unknown role")
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			t.Parallel()
			m, err := convertMessage(llm.Message{Role: tc.role, Content: "x"})
			tc.check(t, err, [3]bool{m.OfSystem != nil, m.OfUser != nil, m.OfAssistant != nil})
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "gpt-4o-mini")
	seed := int64(7)

	req := userRequest("hi")
	req.Temperature = 0.2
	req.MaxTokens = 100
	req.Seed = &seed
	req.ResponseFormat = llm.FormatJSONObject

	params, err := p.buildParams(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(params.Messages))
	}
	if params.Temperature.Value != 0.2 {
		t.Errorf("temperature = %v, want 0.2", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 100 {
		t.Errorf("max tokens = %v, want 100", params.MaxCompletionTokens.Value)
	}
	if params.Seed.Value != 7 {
		t.Errorf("seed = %v, want 7", params.Seed.Value)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}

	if _, err := p.buildParams(llm.Request{}); err == nil {
		t.Error("expected error for empty messages")
	}
	if _, err := p.buildParams(llm.Request{Messages: req.Messages, ResponseFormat: "yaml"}); err == nil {
		t.Error("expected error for unknown response format")
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model      string
		json       bool
		structured bool
		streaming  bool
	}{
		{"gpt-4o-mini", true, true, true},
		{"gpt-4o", true, true, true},
		{"gpt-3.5-turbo", true, false, true},
		{"gpt-4", false, false, true},
		{"o1-mini", false, false, false},
		{"some-future-model", true, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			t.Parallel()
			got := modelInfoFor(tc.model)
			if got.jsonMode != tc.json || got.structuredOutputs != tc.structured || got.streaming != tc.streaming {
				t.Errorf("modelInfoFor(%q) = %+v", tc.model, got)
			}
		})
	}
}

// ── Text generation ──────────────────────────────────────────────────────────

func TestGenerateText_Success(t *testing.T) {
	t.Parallel()
	var gotAuth string
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, chatOK, "Hello there")
	})

	c, err := p.GenerateText(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Text != "Hello there" {
		t.Errorf("Text = %q", c.Text)
	}
	if c.Metrics.InputTokens != 10 || c.Metrics.OutputTokens != 5 || c.Metrics.TotalTokens != 15 {
		t.Errorf("unexpected metrics: %+v", c.Metrics)
	}
	if c.Metrics.ModelUsed != "gpt-4o-mini-2024-07-18" {
		t.Errorf("ModelUsed = %q", c.Metrics.ModelUsed)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestGenerateText_RetriesRateLimit(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			return
		}
		fmt.Fprintf(w, chatOK, "ok")
	})

	c, err := p.GenerateText(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Text != "ok" {
		t.Errorf("Text = %q", c.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestGenerateText_ServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := p.GenerateText(context.Background(), userRequest("hi"))
	if !llm.IsTransient(err) {
		t.Fatalf("err = %v, want TransientError", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestGenerateText_BadRequestIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	})

	_, err := p.GenerateText(context.Background(), userRequest("hi"))
	if !llm.IsPermanent(err) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// ── Streaming ────────────────────────────────────────────────────────────────

func TestGenerateTextStream(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		io.WriteString(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[],\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":2,\"total_tokens\":10}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	ch, err := p.GenerateTextStream(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text strings.Builder
	var final llm.Chunk
	for c := range ch {
		if c.Done {
			final = c
			continue
		}
		text.WriteString(c.Delta)
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q, want Hello", text.String())
	}
	if !final.Done || final.Err != nil {
		t.Fatalf("unexpected final chunk: %+v", final)
	}
	if final.Metrics.InputTokens != 8 || final.Metrics.OutputTokens != 2 || final.Metrics.TotalTokens != 10 {
		t.Errorf("final metrics = %+v", final.Metrics)
	}
}

// ── Structured output ────────────────────────────────────────────────────────

func selectionSchema() *llm.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"agent_names"},
		Properties: map[string]*jsonschema.Schema{
			"agent_names": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

func TestGenerateStructured_NativeSchema(t *testing.T) {
	t.Parallel()
	var body map[string]any
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, chatOK, `{"agent_names":["ContentAgent"]}`)
	})

	obj, m, err := p.GenerateStructured(context.Background(), userRequest("pick"), selectionSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names, _ := obj["agent_names"].([]any)
	if len(names) != 1 || names[0] != "ContentAgent" {
		t.Errorf("agent_names = %v", obj["agent_names"])
	}
	if m.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", m.TotalTokens)
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Errorf("response_format = %v, want json_schema", body["response_format"])
	}
}

func TestGenerateStructured_InvalidOutput(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, "gpt-3.5-turbo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, chatOK, `{"reasoning":"none"}`)
	})

	_, _, err := p.GenerateStructured(context.Background(), userRequest("pick"), selectionSchema())
	if !llm.IsParsing(err) {
		t.Fatalf("err = %v, want ParsingError", err)
	}
}

// ── Images & speech ──────────────────────────────────────────────────────────

func TestGenerateImage(t *testing.T) {
	t.Parallel()
	var body map[string]any
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/images/generations") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"created":1,"data":[{"url":"https://img.example/1.png"}]}`)
	})

	res, err := p.GenerateImage(context.Background(), llm.ImageRequest{Prompt: "a cat", HD: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.URLs) != 1 || res.ImageCount != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.PricingModel != "dall-e-3-hd" {
		t.Errorf("PricingModel = %q, want dall-e-3-hd", res.PricingModel)
	}
	if body["quality"] != "hd" {
		t.Errorf("quality = %v, want hd", body["quality"])
	}

	if _, err := p.GenerateImage(context.Background(), llm.ImageRequest{}); !llm.IsPermanent(err) {
		t.Errorf("empty prompt err = %v, want PermanentError", err)
	}
}

func TestGenerateSpeech(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte{0x49, 0x44, 0x33})
	})

	res, err := p.GenerateSpeech(context.Background(), llm.SpeechRequest{Input: "Hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Audio) != 3 {
		t.Errorf("audio bytes = %d, want 3", len(res.Audio))
	}
	if res.Chars != 5 {
		t.Errorf("Chars = %d, want 5", res.Chars)
	}
	if res.Metrics.ModelUsed != DefaultSpeechModel {
		t.Errorf("ModelUsed = %q", res.Metrics.ModelUsed)
	}
}
