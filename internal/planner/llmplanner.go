package planner

import (
	"context"
	"fmt"

	"github.com/signalnine/repodock/internal/llm"
)

// LLMPlanner drives decisions through a model client. It is stateless; every
// call replays the phase history into the prompt.
type LLMPlanner struct {
	client llm.Client
}

func NewLLMPlanner(client llm.Client) *LLMPlanner {
	return &LLMPlanner{client: client}
}

func (p *LLMPlanner) Decide(ctx context.Context, req Request) (Action, error) {
	system, user := BuildPrompt(req)
	response, err := p.client.Complete(ctx, system, user)
	if err != nil {
		return Action{}, fmt.Errorf("planner model call: %w", err)
	}
	return ParseAction(req.Phase, response), nil
}
