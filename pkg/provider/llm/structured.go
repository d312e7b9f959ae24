package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotObject is wrapped by [ParseJSONObject] when the output is valid JSON
// but not a top-level object.
var ErrNotObject = errors.New("top-level JSON value is not an object")

// StripCodeFence removes a surrounding Markdown code fence (``` or ```json)
// from text. Text without a fence is returned trimmed.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an info string such as "json" up to the first newline.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if info := strings.TrimSpace(s[:i]); !strings.ContainsAny(info, "{[") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseJSONObject strips any code fence from text and decodes it as a single
// JSON object. Any failure is returned as a *ParsingError.
func ParseJSONObject(text string) (map[string]any, error) {
	body := StripCodeFence(text)
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, &ParsingError{Raw: text, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ParsingError{Raw: text, Err: fmt.Errorf("%w (got %T)", ErrNotObject, v)}
	}
	return obj, nil
}

// ValidateObject checks obj against schema. A nil schema accepts anything.
func ValidateObject(obj map[string]any, schema *Schema) error {
	if schema == nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("llm: resolve schema: %w", err)
	}
	if err := resolved.Validate(obj); err != nil {
		return &ParsingError{Err: err}
	}
	return nil
}

// TextGenerator is the subset of [Provider] needed by [StructuredFromText].
type TextGenerator interface {
	GenerateText(ctx context.Context, req Request) (*Completion, error)
}

// StructuredFromText is the default GenerateStructured behaviour: request JSON
// output through GenerateText, then parse and validate it. Providers with
// native structured output may do better but should still validate.
func StructuredFromText(ctx context.Context, gen TextGenerator, req Request, schema *Schema) (map[string]any, Metrics, error) {
	req.ResponseFormat = FormatJSONObject
	c, err := gen.GenerateText(ctx, req)
	if err != nil {
		return nil, Metrics{}, err
	}
	obj, err := ParseJSONObject(c.Text)
	if err != nil {
		return nil, c.Metrics, err
	}
	if err := ValidateObject(obj, schema); err != nil {
		var pe *ParsingError
		if errors.As(err, &pe) {
			pe.Raw = c.Text
		}
		return nil, c.Metrics, err
	}
	return obj, c.Metrics, nil
}
