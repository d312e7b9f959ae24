// Package prompt assembles chat messages and flat prompt text for LLM calls.
//
// A [Builder] combines a system prompt, the recent conversation history, the
// current user message and optional media descriptors. It performs no I/O and
// is safe for concurrent use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// DefaultHistoryLimit is the number of history turns kept by default.
const DefaultHistoryLimit = 5

// JSONInstruction is appended to the system message when the provider has no
// native JSON mode.
const JSONInstruction = "IMPORTANT: Respond only with a single valid JSON object. " +
	"Do not add any text outside the JSON structure."

// Turn is one past exchange between the learner and the tutor.
type Turn struct {
	UserMessage   string
	AgentResponse string
}

// Media describes an attachment. Only the descriptor reaches the prompt.
type Media struct {
	Type        string
	URL         string
	Description string
}

// MediaPlacement selects where media descriptors are rendered.
type MediaPlacement int

const (
	// MediaInSystem appends media descriptors to the system message.
	MediaInSystem MediaPlacement = iota

	// MediaInline prefixes the current user message with media descriptors.
	MediaInline
)

type options struct {
	historyLimit    int
	jsonInstruction bool
	media           MediaPlacement
}

// Option configures a [Builder] or a single build call.
type Option func(*options)

// WithHistoryLimit keeps at most n of the most recent turns. n <= 0 drops
// history entirely.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		o.historyLimit = n
	}
}

// WithJSONInstruction appends [JSONInstruction] to the system message.
func WithJSONInstruction() Option {
	return func(o *options) {
		o.jsonInstruction = true
	}
}

// WithMediaPlacement selects where media descriptors are rendered.
func WithMediaPlacement(p MediaPlacement) Option {
	return func(o *options) {
		o.media = p
	}
}

// Builder builds prompts. The zero value is not usable; call [New].
type Builder struct {
	defaults options
}

// New creates a Builder. Options given here are defaults for every call.
func New(opts ...Option) *Builder {
	b := &Builder{defaults: options{historyLimit: DefaultHistoryLimit}}
	for _, o := range opts {
		o(&b.defaults)
	}
	return b
}

// HistoryLimit returns the default history limit.
func (b *Builder) HistoryLimit() int { return b.defaults.historyLimit }

func (b *Builder) resolve(opts []Option) options {
	o := b.defaults
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// BuildMessages returns [system, …history…, user].
//
// History is trimmed to the configured limit, oldest first; each turn yields a
// user then an assistant message with empty sides skipped. The system message
// is omitted when it would be empty, and so is an empty user message.
func (b *Builder) BuildMessages(systemPrompt, userMessage string, history []Turn, media []Media, opts ...Option) []llm.Message {
	o := b.resolve(opts)
	recent := lastN(history, o.historyLimit)
	msgs := make([]llm.Message, 0, 2+2*len(recent))

	if sys := systemText(systemPrompt, media, o); sys != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys})
	}

	for _, t := range recent {
		if u := strings.TrimSpace(t.UserMessage); u != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: u})
		}
		if a := strings.TrimSpace(t.AgentResponse); a != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: a})
		}
	}

	user := strings.TrimSpace(userMessage)
	if o.media == MediaInline {
		if block := formatMedia(media); block != "" {
			user = joinNonEmpty("\n\n", block, user)
		}
	}
	if user != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user})
	}
	return msgs
}

// BuildFullPromptText flattens the same content into a single string, with
// parts separated by blank lines. It is used for logging and for backends
// without a chat format.
func (b *Builder) BuildFullPromptText(systemPrompt, userMessage string, history []Turn, media []Media, opts ...Option) string {
	o := b.resolve(opts)
	// Media always goes to the system part in flat text.
	o.media = MediaInSystem

	parts := []string{systemText(systemPrompt, media, o)}

	if recent := lastN(history, o.historyLimit); len(recent) > 0 {
		var sb strings.Builder
		sb.WriteString("Conversation history:")
		for _, t := range recent {
			if u := strings.TrimSpace(t.UserMessage); u != "" {
				fmt.Fprintf(&sb, "\nStudent: %s", u)
			}
			if a := strings.TrimSpace(t.AgentResponse); a != "" {
				fmt.Fprintf(&sb, "\nTutor: %s", a)
			}
		}
		parts = append(parts, sb.String())
	}

	parts = append(parts, "Student message:\n"+strings.TrimSpace(userMessage))
	return joinNonEmpty("\n\n", parts...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func systemText(systemPrompt string, media []Media, o options) string {
	sys := strings.TrimSpace(systemPrompt)
	if o.media == MediaInSystem {
		sys = joinNonEmpty("\n\n", sys, formatMedia(media))
	}
	if o.jsonInstruction {
		sys = joinNonEmpty("\n\n", sys, JSONInstruction)
	}
	return sys
}

// formatMedia renders media descriptors as a block, or "" when there are none.
func formatMedia(media []Media) string {
	if len(media) == 0 {
		return ""
	}
	lines := make([]string, 0, len(media)+1)
	lines = append(lines, "Attached media context:")
	for _, m := range media {
		typ := m.Type
		if typ == "" {
			typ = "unknown"
		}
		line := "- Type: " + typ
		if m.URL != "" {
			line += ", URL: " + m.URL
		}
		if m.Description != "" {
			line += ", description: " + m.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func lastN(history []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
