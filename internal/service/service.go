// Package service is the single entry point the HTTP and MCP surfaces call.
// It records user activity on every interactive call so the background
// distillation yields to the user.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tellus/internal/activity"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/pipeline"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/routing"
)

// Status is the distillation status surface.
type Status struct {
	IsRunning        bool               `json:"is_running"`
	CurrentTask      *pipeline.Task     `json:"current_task,omitempty"`
	Progress         *pipeline.Progress `json:"progress,omitempty"`
	AvailableModels  []string           `json:"available_models"`
	InteractionCount int                `json:"interaction_count"`
	LastOutcome      pipeline.Outcome   `json:"last_outcome,omitempty"`
	LastRunAt        *time.Time         `json:"last_run_at,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
}

// InteractionInput is one completed exchange to record. A nil Routing is
// recomputed from the query.
type InteractionInput struct {
	Query          string
	Response       string
	Routing        *routing.Decision
	Feedback       interactions.Feedback
	SessionContext map[string]any
}

// Service wires the router, the interaction log, the registry and the
// pipeline behind one API.
type Service struct {
	activity *activity.Monitor
	router   *routing.Router
	log      *interactions.Log
	models   *registry.Registry
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// New creates a Service.
func New(mon *activity.Monitor, router *routing.Router, log *interactions.Log, models *registry.Registry, p *pipeline.Pipeline, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{activity: mon, router: router, log: log, models: models, pipeline: p, logger: logger}
}

// Heartbeat records user activity without doing anything else.
func (s *Service) Heartbeat() {
	s.activity.RecordActivity()
}

// Route records activity and returns the routing decision for query.
func (s *Service) Route(ctx context.Context, query string, qctx map[string]any) routing.Decision {
	s.activity.RecordActivity()
	return s.router.Route(ctx, query, qctx)
}

// RecordInteraction anonymizes, scores and appends one exchange.
func (s *Service) RecordInteraction(ctx context.Context, in InteractionInput) (interactions.Record, error) {
	s.activity.RecordActivity()
	var d routing.Decision
	if in.Routing != nil {
		d = *in.Routing
	} else {
		d = s.router.Route(ctx, in.Query, in.SessionContext)
	}
	rec, err := s.log.Append(interactions.Entry{
		Query:          in.Query,
		Response:       in.Response,
		Routing:        d,
		Feedback:       in.Feedback,
		SessionContext: in.SessionContext,
	})
	if err != nil {
		return interactions.Record{}, err
	}
	s.logger.Debug("interaction recorded", "id", rec.ID, "pattern", rec.RoutingPattern, "quality", rec.QualityScore)
	return rec, nil
}

// SetFeedback updates the user verdict of a recorded interaction.
func (s *Service) SetFeedback(id string, fb interactions.Feedback) (interactions.Record, error) {
	s.activity.RecordActivity()
	return s.log.SetFeedback(id, fb)
}

// Interactions returns a page of the log, newest first.
func (s *Service) Interactions(limit, offset int) ([]interactions.Record, error) {
	return s.log.List(limit, offset)
}

// Interaction returns one recorded interaction.
func (s *Service) Interaction(id string) (interactions.Record, error) {
	return s.log.Get(id)
}

// DeleteInteraction removes one interaction from the log.
func (s *Service) DeleteInteraction(id string) error {
	return s.log.Delete(id)
}

// Models lists deployed models sorted by name.
func (s *Service) Models() []registry.Entry {
	return s.models.List()
}

// Model returns one deployed model.
func (s *Service) Model(id string) (registry.Entry, error) {
	return s.models.Get(id)
}

// InvokeModel records activity and runs query on a deployed model.
func (s *Service) InvokeModel(ctx context.Context, id, query string) (registry.InferenceResult, error) {
	s.activity.RecordActivity()
	return s.models.Invoke(ctx, id, query)
}

// RateModel folds a 1-5 rating into a model's average.
func (s *Service) RateModel(id string, rating float64) (registry.Entry, error) {
	return s.models.Rate(id, rating)
}

// Status reports the pipeline and registry state.
func (s *Service) Status() (Status, error) {
	count, err := s.log.Count()
	if err != nil {
		return Status{}, fmt.Errorf("counting interactions: %w", err)
	}

	st := Status{
		IsRunning:        s.pipeline.IsRunning(),
		AvailableModels:  []string{},
		InteractionCount: count,
	}
	st.CurrentTask, st.Progress = s.pipeline.Current()
	for _, e := range s.models.List() {
		if e.Status == registry.Validated {
			st.AvailableModels = append(st.AvailableModels, e.Name)
		}
	}
	if last := s.pipeline.LastRun(); last != nil {
		at := last.FinishedAt
		st.LastOutcome = last.Outcome
		st.LastRunAt = &at
		st.LastError = last.Error
	}
	return st, nil
}
