package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// IsLocalModel reports whether a model id names a local engine model. Cloud
// ids carry a provider prefix ("openai/gpt-4o").
func IsLocalModel(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}

// EnsureReady checks that the Engine is reachable and that every local model
// in models is installed. Missing models are pulled with progress written to
// w. Cloud model ids and duplicates are skipped.
func EnsureReady(ctx context.Context, e Engine, models []string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; start Ollama or set engine.enabled=false")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if !IsLocalModel(model) || seen[model] {
			continue
		}
		seen[model] = true

		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
