package tutor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/generation"
)

// TopManagerName is used in log tags.
const TopManagerName = "TopManager"

// TopManager merges several agent answers into one reply.
type TopManager struct {
	gen      Generator
	maxWords int
}

// NewTopManager returns an aggregator using gen. maxWords <= 0 selects
// [DefaultMaxWords].
func NewTopManager(gen Generator, maxWords int) (*TopManager, error) {
	if gen == nil {
		return nil, fmt.Errorf("tutor: generator must not be nil")
	}
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return &TopManager{gen: gen, maxWords: maxWords}, nil
}

type partial struct {
	Agent    string `json:"agent"`
	Role     string `json:"role"`
	Response string `json:"response"`
}

// Aggregate combines responses into one coherent answer. reasoning is the
// selector's explanation of why these agents were chosen.
func (m *TopManager) Aggregate(ctx context.Context, c agent.Context, responses []agent.Response, reasoning string) (string, error) {
	parts := make([]partial, 0, len(responses))
	for _, r := range responses {
		parts = append(parts, partial{Agent: r.AgentName, Role: r.AgentRole, Response: r.Text})
	}
	body, err := json.MarshalIndent(parts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("tutor: encode partial responses: %w", err)
	}

	system := fmt.Sprintf(`You are an expert at composing coherent, natural answers for students of an English learning platform.
Your task: build the final answer from components produced by different agents.

Rules:
1. Keep the CONTENT of the main answer without distortion.
2. Weave in encouragement and examples SMOOTHLY, without breaks.
3. Adapt the tone to the student's emotional state: supportive without pressure when frustrated, more expert when confident.
4. At most %d words.
5. End with a soft call to action if the components contain one.

Answer format: ONLY the final text, without meta comments.`, m.maxWords)

	user := "Components to combine:\n\nAgent answers:\n" + string(body)
	if reasoning != "" {
		user += "\n\nWhy these agents were chosen:\n" + reasoning
	}
	if profile := c.User.Prompt(); profile != "" {
		user += "\n\nStudent context:\n" + profile
	}
	user += "\n\nCompose one coherent answer."

	temp := 0.1
	res := m.gen.Generate(ctx, generation.Request{
		SystemPrompt: system,
		UserMessage:  user,
		Temperature:  &temp,
		MaxTokens:    m.maxWords * tokensPerWord,
		Tags:         map[string]string{"agent": TopManagerName, "user_id": c.UserID},
	})
	if res.Err != nil {
		return "", &agent.Error{Agent: TopManagerName, Err: res.Err}
	}
	return res.Message, nil
}
