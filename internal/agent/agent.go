// Package agent defines the tutoring agent contract and the registry that
// owns agent instances.
//
// The two primary abstractions are:
//
//   - [Agent]: a specialised responder (content, support, profession) that
//     turns a learner [Context] into a [Response].
//   - [Registry]: a static table of agent factories. Instances are created
//     lazily, cached one per name, and shared across requests.
//
// This package lives under internal/ because it encapsulates application-private
// orchestration logic and is not intended to be imported by external code.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// Descriptor is the static description of an agent. The selector shows Name
// and Description to the model when picking agents.
type Descriptor struct {
	// Name is the unique registry key, e.g. "ContentAgent".
	Name string

	// Role is a short label shown to the aggregator, e.g. "content expert".
	Role string

	// Description explains when the agent should be chosen.
	Description string

	// Fallback marks agents used when selection fails.
	Fallback bool

	// MaxWords caps the length of the agent's answer. Zero means no limit.
	MaxWords int
}

// Blob is an opaque key/value context fetched from the learning platform
// (user profile, lesson, task).
type Blob map[string]any

// Prompt renders the non-empty entries as "- key: value" lines in sorted key
// order. An empty blob renders as "".
func (b Blob) Prompt() string {
	keys := make([]string, 0, len(b))
	for k, v := range b {
		if isEmpty(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s: %v", k, b[k])
	}
	return sb.String()
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// Page identifies where in the course the learner is.
type Page struct {
	EnrollmentID string
	CourseID     string
	LessonID     string
	TaskID       string
}

// Message sources reported in [Context.Source].
const (
	SourceAction      = "action"
	SourceEnvironment = "environment"
)

// Context is everything an agent knows about one learner message.
type Context struct {
	UserMessage string
	UserID      string

	User   Blob
	Lesson Blob
	Task   Blob

	Page Page

	// Source is SourceAction, SourceEnvironment or "".
	Source string

	// ActionMessage is true when the message came from an explicit task action
	// rather than the page the learner happened to be on.
	ActionMessage bool
}

// Response is one agent's answer.
type Response struct {
	Text      string
	AgentName string
	AgentRole string
	Metrics   llm.Metrics
}

// Agent answers learner messages from a particular angle.
//
// Implementations must be safe for concurrent use; the registry shares one
// instance across all requests.
type Agent interface {
	// Descriptor returns the static description of the agent.
	Descriptor() Descriptor

	// Handle produces the agent's answer. A failed generation is reported as
	// an *[Error].
	Handle(ctx context.Context, c Context) (Response, error)
}

// Error reports a failure of a single agent.
type Error struct {
	Agent string
	Err   error
}

func (e *Error) Error() string { return "agent " + e.Agent + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }
