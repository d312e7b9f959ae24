// Package tutor provides the built-in tutoring agents and the TopManager
// aggregator. All of them share one generation service.
//
// The agents differ only in focus, tone and sampling temperature:
//
//   - ContentAgent explains grammar and vocabulary (fallback agent).
//   - SupportAgent encourages and motivates the learner.
//   - ProfessionalAgent ties the answer to the learner's profession.
package tutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/generation"
)

// Agent names.
const (
	ContentAgentName      = "ContentAgent"
	SupportAgentName      = "SupportAgent"
	ProfessionalAgentName = "ProfessionalAgent"
)

// DefaultMaxWords caps answer length when a descriptor sets no limit.
const DefaultMaxWords = 300

// tokensPerWord converts a word budget into a completion token budget with
// headroom for non-English output.
const tokensPerWord = 2

// Generator is the subset of [generation.Service] used by the agents.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) generation.Result
}

// Compile-time check.
var _ Generator = (*generation.Service)(nil)

// profile is the static configuration of one tutoring agent.
type profile struct {
	descriptor  agent.Descriptor
	temperature float64
	persona     string
	task        string
}

var profiles = []profile{
	{
		descriptor: agent.Descriptor{
			Name:        ContentAgentName,
			Role:        "content expert",
			Description: "Explains grammar and vocabulary and answers questions about the learning material.",
			Fallback:    true,
			MaxWords:    DefaultMaxWords,
		},
		temperature: 0.3,
		persona:     "You are an outstanding English teacher with many years of experience. You always find the right approach and words for every student.",
		task: "Give a TEXT answer to the student's question with the focus on explaining the English language. " +
			"Use the student's professional background only to build examples.",
	},
	{
		descriptor: agent.Descriptor{
			Name:        SupportAgentName,
			Role:        "motivation coach",
			Description: "Gives emotional support when the student is frustrated, unsure or unmotivated, and celebrates progress.",
			MaxWords:    120,
		},
		temperature: 0.5,
		persona:     "You are a warm and attentive learning coach who helps students of English stay motivated.",
		task: "Acknowledge how the student feels, point out one concrete thing they did well, and end with a soft call to action. " +
			"Do not explain grammar in detail; another tutor does that.",
	},
	{
		descriptor: agent.Descriptor{
			Name:        ProfessionalAgentName,
			Role:        "industry mentor",
			Description: "Connects the topic to the student's profession with realistic workplace examples and vocabulary.",
			MaxWords:    150,
		},
		temperature: 0.4,
		persona:     "You are a mentor who teaches English for professional purposes and knows many industries from the inside.",
		task: "Show how the topic of the question is used in the student's profession. " +
			"Give one or two realistic workplace examples and the key professional vocabulary.",
	},
}

// Tutor is a generation-backed [agent.Agent].
type Tutor struct {
	p   profile
	gen Generator
}

var _ agent.Agent = (*Tutor)(nil)

// Descriptor implements [agent.Agent].
func (t *Tutor) Descriptor() agent.Descriptor { return t.p.descriptor }

// Handle implements [agent.Agent].
func (t *Tutor) Handle(ctx context.Context, c agent.Context) (agent.Response, error) {
	d := t.p.descriptor
	temp := t.p.temperature
	res := t.gen.Generate(ctx, generation.Request{
		SystemPrompt: t.systemPrompt(c),
		UserMessage:  UserPrompt(c),
		Temperature:  &temp,
		MaxTokens:    maxWords(d) * tokensPerWord,
		Tags:         map[string]string{"agent": d.Name, "user_id": c.UserID},
	})
	if res.Err != nil {
		return agent.Response{}, &agent.Error{Agent: d.Name, Err: res.Err}
	}
	return agent.Response{
		Text:      res.Message,
		AgentName: d.Name,
		AgentRole: d.Role,
		Metrics:   res.Metrics,
	}, nil
}

func (t *Tutor) systemPrompt(c agent.Context) string {
	var sb strings.Builder
	sb.WriteString(t.p.persona)
	if user := c.User.Prompt(); user != "" {
		sb.WriteString("\n\nStudent context:\n")
		sb.WriteString(user)
	}
	sb.WriteString("\n\nYour task: ")
	sb.WriteString(t.p.task)
	fmt.Fprintf(&sb, "\n\nRequirements:\n- At most %d words, in the language of the question.", maxWords(t.p.descriptor))
	sb.WriteString("\n- Adapt the answer to the student and the learning material so that it is as clear as possible for them.")
	sb.WriteString("\n- Only answer questions about learning English. Politely decline other topics and suggest returning to English.")
	return sb.String()
}

// UserPrompt renders the learner's question with the task context, or the
// lesson context when there is no task. Without either, only the question is
// rendered.
func UserPrompt(c agent.Context) string {
	page := c.Task.Prompt()
	if page == "" {
		page = c.Lesson.Prompt()
	}

	var sb strings.Builder
	if page != "" {
		if c.ActionMessage {
			sb.WriteString("The student's question was asked in this context:\n")
		} else {
			sb.WriteString("The question came from a page and may relate to:\n")
		}
		sb.WriteString(page)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Student question:\n")
	sb.WriteString(strings.TrimSpace(c.UserMessage))
	return sb.String()
}

func maxWords(d agent.Descriptor) int {
	if d.MaxWords > 0 {
		return d.MaxWords
	}
	return DefaultMaxWords
}

// Factories returns the registry factories for the built-in agents, all
// sharing gen.
func Factories(gen Generator) []agent.Factory {
	out := make([]agent.Factory, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.Factory{
			Descriptor: p.descriptor,
			New: func() (agent.Agent, error) {
				if gen == nil {
					return nil, fmt.Errorf("tutor: generator must not be nil")
				}
				return &Tutor{p: p, gen: gen}, nil
			},
		})
	}
	return out
}

// NewRegistry builds an [agent.Registry] holding the built-in agents.
func NewRegistry(gen Generator) (*agent.Registry, error) {
	return agent.NewRegistry(Factories(gen)...)
}
