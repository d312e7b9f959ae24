package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/engagecore/internal/agent"
)

// MessageContext carries where a message was sent from. ActionContext is set
// when the learner pressed a help button on a specific task; otherwise
// EnvironmentContext describes the page they were on.
type MessageContext struct {
	ActionContext      map[string]any
	EnvironmentContext map[string]any
}

// ContextProvider fetches learner and course data from the platform.
// A missing record is an empty blob, not an error.
type ContextProvider interface {
	UserContext(ctx context.Context, userID string) (agent.Blob, error)
	LessonContext(ctx context.Context, userID, lessonID string) (agent.Blob, error)
	TaskContext(ctx context.Context, userID, taskID string) (agent.Blob, error)
}

// StaticContextProvider serves fixed blobs keyed by user, lesson and task id.
type StaticContextProvider struct {
	Users   map[string]agent.Blob
	Lessons map[string]agent.Blob
	Tasks   map[string]agent.Blob
}

var _ ContextProvider = (*StaticContextProvider)(nil)

// UserContext implements [ContextProvider].
func (p *StaticContextProvider) UserContext(_ context.Context, userID string) (agent.Blob, error) {
	return p.Users[userID], nil
}

// LessonContext implements [ContextProvider].
func (p *StaticContextProvider) LessonContext(_ context.Context, _, lessonID string) (agent.Blob, error) {
	return p.Lessons[lessonID], nil
}

// TaskContext implements [ContextProvider].
func (p *StaticContextProvider) TaskContext(_ context.Context, _, taskID string) (agent.Blob, error) {
	return p.Tasks[taskID], nil
}

// Page id keys looked up in a message context.
const (
	keyTaskID       = "task_id"
	keyLessonID     = "lesson_id"
	keyCourseID     = "course_id"
	keyEnrollmentID = "enrollment_id"
)

// resolvePage picks the page ids and source for mc. A non-empty action
// context wins over the environment.
func resolvePage(mc MessageContext) (agent.Page, string) {
	src, source := mc.EnvironmentContext, agent.SourceEnvironment
	if len(mc.ActionContext) > 0 {
		src, source = mc.ActionContext, agent.SourceAction
	}
	if len(src) == 0 {
		return agent.Page{}, ""
	}
	return agent.Page{
		EnrollmentID: idString(src[keyEnrollmentID]),
		CourseID:     idString(src[keyCourseID]),
		LessonID:     idString(src[keyLessonID]),
		TaskID:       idString(src[keyTaskID]),
	}, source
}

// idString renders an id given as a string or a number. Anything else is "".
func idString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return ""
}

// buildContext assembles the agent context for one message. Any provider
// failure is fatal for the request.
func (o *Orchestrator) buildContext(ctx context.Context, userMessage, userID string, mc MessageContext) (agent.Context, error) {
	page, source := resolvePage(mc)
	c := agent.Context{
		UserMessage:   userMessage,
		UserID:        userID,
		Page:          page,
		Source:        source,
		ActionMessage: source == agent.SourceAction,
	}

	var err error
	if c.User, err = o.contexts.UserContext(ctx, userID); err != nil {
		return c, &FatalError{Stage: stageBuildContext, Err: fmt.Errorf("user context: %w", err)}
	}
	if page.LessonID != "" {
		if c.Lesson, err = o.contexts.LessonContext(ctx, userID, page.LessonID); err != nil {
			return c, &FatalError{Stage: stageBuildContext, Err: fmt.Errorf("lesson %s context: %w", page.LessonID, err)}
		}
	}
	if page.TaskID != "" {
		if c.Task, err = o.contexts.TaskContext(ctx, userID, page.TaskID); err != nil {
			return c, &FatalError{Stage: stageBuildContext, Err: fmt.Errorf("task %s context: %w", page.TaskID, err)}
		}
	}
	return c, nil
}
