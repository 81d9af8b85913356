package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/tellus/internal/engine"
	"github.com/kalambet/tellus/internal/registry"
)

// SpecialistExecutor runs deployed specialists. A specialist is served by a
// base model primed with the distilled domain profile.
type SpecialistExecutor struct {
	gw        *Multi
	baseModel string
}

// NewSpecialistExecutor creates an executor. When baseModel is empty the
// entry's first teacher model serves the specialist.
func NewSpecialistExecutor(gw *Multi, baseModel string) *SpecialistExecutor {
	return &SpecialistExecutor{gw: gw, baseModel: baseModel}
}

// Execute implements registry.Executor. Confidence is the validated domain
// accuracy of the specialist.
func (x *SpecialistExecutor) Execute(ctx context.Context, e registry.Entry, query string) (registry.ExecResult, error) {
	model := x.baseModel
	if model == "" && len(e.TeacherModels) > 0 {
		model = e.TeacherModels[0]
	}
	if model == "" {
		return registry.ExecResult{}, fmt.Errorf("no base model for specialist %s", e.Name)
	}

	messages := []engine.Message{
		{Role: "system", Content: specialistPrompt(e)},
		{Role: "user", Content: query},
	}
	content, err := x.gw.Chat(ctx, model, messages, nil)
	if err != nil {
		return registry.ExecResult{}, fmt.Errorf("%w: %v", ErrTeacherUnavailable, err)
	}

	confidence := 0.0
	if e.Validation != nil {
		confidence = e.Validation.DomainAccuracy
	}
	return registry.ExecResult{Content: content, Confidence: confidence}, nil
}

func specialistPrompt(e registry.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s (version %d), a specialist assistant for the %s domain.", e.Name, e.Version, e.Domain)
	if len(e.Capabilities) > 0 {
		fmt.Fprintf(&sb, "\nYou are strongest at: %s.", strings.Join(e.Capabilities, ", "))
	}
	sb.WriteString("\nAnswer concisely. If the question is outside your domain, say so.")
	return sb.String()
}
