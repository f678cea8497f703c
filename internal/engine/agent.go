package engine

import (
	"context"
	"strings"
)

// catalogReply is the reply shape of intent prompts: a list of category
// names or a list of brand names, whichever the prompt asked for.
var catalogReply = &Schema{
	Type: "object",
	Properties: map[string]SchemaProperty{
		"categories": {Type: "array", Description: "catalog category names", Items: &SchemaProperty{Type: "string"}},
		"brands":     {Type: "array", Description: "catalog brand names", Items: &SchemaProperty{Type: "string"}},
	},
}

// Agent is a single-turn conversational model bound to one chat model.
// Replies are requested as JSON objects shaped like catalogReply.
type Agent struct {
	eng   Engine
	model string
}

// NewAgent returns an Agent that sends prompts to model on eng.
func NewAgent(eng Engine, model string) *Agent {
	return &Agent{eng: eng, model: model}
}

// Run sends prompt as a single user message and returns the reply text.
func (a *Agent) Run(ctx context.Context, prompt string) (string, error) {
	out, err := a.eng.Chat(ctx, a.model, []Message{{Role: "user", Content: prompt}}, catalogReply)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
