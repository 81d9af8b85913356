// Package gateway invokes teacher models for distillation tasks. Model ids
// with a provider prefix ("openai/gpt-4o") go to the cloud endpoint; bare ids
// go to the local inference engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/tellus/internal/engine"
	"github.com/kalambet/tellus/internal/proxy"
	"github.com/kalambet/tellus/internal/telemetry"
)

// Task names a teacher operation.
type Task string

const (
	ExtractKnowledge  Task = "extract_knowledge"
	BuildKnowledgeMap Task = "knowledge_map"
	GenerateDataset   Task = "generate_dataset"
	DistillModel      Task = "distill"
	ValidateModel     Task = "validate"
)

// DefaultTimeout bounds one teacher call.
const DefaultTimeout = 60 * time.Second

// defaultQuality is reported when a teacher omits its self-assessment.
const defaultQuality = 0.5

var (
	// ErrTeacherUnavailable wraps every failure to obtain a teacher answer.
	ErrTeacherUnavailable = errors.New("teacher model unavailable")
	// ErrMalformedOutput is returned when structured output is not valid JSON.
	ErrMalformedOutput = errors.New("teacher returned malformed output")
)

// Result is a teacher answer. Content is JSON for structured tasks.
type Result struct {
	Content string
	Quality float64
}

// Teacher is what the distillation pipeline consumes.
type Teacher interface {
	Call(ctx context.Context, modelID string, task Task, domain string, payload any) (Result, error)
}

// CloudCompleter is the cloud side of the gateway.
type CloudCompleter interface {
	Configured() bool
	Complete(ctx context.Context, model string, messages []proxy.Message, schema json.RawMessage) (proxy.Completion, error)
}

// Multi dispatches teacher calls between a local engine and a cloud client.
// Either backend may be nil; calls routed to a missing backend fail with
// ErrTeacherUnavailable.
type Multi struct {
	local   engine.Engine
	cloud   CloudCompleter
	timeout time.Duration
	logger  *slog.Logger
}

// NewMulti creates a Multi gateway. A non-positive timeout uses DefaultTimeout.
func NewMulti(local engine.Engine, cloud CloudCompleter, timeout time.Duration, logger *slog.Logger) *Multi {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{local: local, cloud: cloud, timeout: timeout, logger: logger}
}

// Call runs a teacher task. The call is bounded by the gateway timeout only;
// user activity never cancels it.
func (m *Multi) Call(ctx context.Context, modelID string, task Task, domain string, payload any) (Result, error) {
	ctx, span := telemetry.Tracer("gateway").Start(ctx, "teacher."+string(task))
	defer span.End()
	span.SetAttributes(
		attribute.String("teacher.model", modelID),
		attribute.String("teacher.domain", domain),
	)

	messages, err := BuildPrompt(task, domain, payload)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	content, err := m.Chat(ctx, modelID, messages, SchemaFor(task))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teacher call failed")
		return Result{}, fmt.Errorf("%w: %s %s: %v", ErrTeacherUnavailable, modelID, task, err)
	}
	if !json.Valid([]byte(content)) {
		span.SetStatus(codes.Error, "malformed output")
		return Result{}, fmt.Errorf("%w: %s %s", ErrMalformedOutput, modelID, task)
	}

	q := qualityOf(content)
	span.SetAttributes(attribute.Float64("teacher.quality", q))
	m.logger.Debug("teacher call completed",
		"model", modelID,
		"task", task,
		"domain", domain,
		"quality", q,
		"duration", time.Since(start),
	)
	return Result{Content: content, Quality: q}, nil
}

// Chat sends messages to modelID on the matching backend and returns the
// reply text. schema may be nil for free text.
func (m *Multi) Chat(ctx context.Context, modelID string, messages []engine.Message, schema *engine.Schema) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if engine.IsLocalModel(modelID) {
		if m.local == nil {
			return "", errors.New("local engine is disabled")
		}
		return m.local.Chat(ctx, modelID, messages, schema)
	}

	if m.cloud == nil || !m.cloud.Configured() {
		return "", proxy.ErrNoAPIKey
	}
	msgs := make([]proxy.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = proxy.Message{Role: msg.Role, Content: msg.Content}
	}
	var raw json.RawMessage
	if schema != nil {
		b, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		raw = b
	}
	c, err := m.cloud.Complete(ctx, modelID, msgs, raw)
	if err != nil {
		return "", err
	}
	return c.Content, nil
}

func qualityOf(content string) float64 {
	var v struct {
		Quality *float64 `json:"quality"`
	}
	if err := json.Unmarshal([]byte(content), &v); err != nil || v.Quality == nil {
		return defaultQuality
	}
	return clamp01(*v.Quality)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
