package ai

import "context"

// Client is the Analyst capability: maps code + prompts to model text.
// CompleteJSON asks the provider for a strict JSON object response.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
