// Package engine abstracts the local inference backend that runs teacher
// prompts and deployed specialists.
package engine

import "context"

// Engine is a local inference backend. The gateway and the specialist
// executor depend on this interface rather than on a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's reply.
	// When schema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
