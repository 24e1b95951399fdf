// Package ai defines the model interfaces the kernel depends on. Concrete
// providers live in the router and local subpackages.
package ai

import "context"

// LLM is a text completion backend.
type LLM interface {
	// Complete returns the model's text response.
	Complete(ctx context.Context, system, prompt string) (string, error)
	// CompleteJSON prompts for JSON output and returns the parsed object.
	// Array responses come back under the "items" key.
	CompleteJSON(ctx context.Context, prompt string) (map[string]any, error)
}

// Embedder turns text into a unit vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
