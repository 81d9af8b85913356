// Package pipeline runs the six-stage distillation state machine that turns a
// task into a validated specialist model. Every stage runs only while the
// user is idle; any activity pauses the attempt and discards the output of the
// stage in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/gateway"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/telemetry"
)

// ErrAlreadyRunning is returned when Run is called while an attempt is in flight.
var ErrAlreadyRunning = errors.New("distillation already running")

var errActivity = errors.New("user activity")

// Defaults.
const (
	DefaultIdleThreshold = 5 * time.Minute
	DefaultThrottle      = 2 * time.Second
	defaultSnippetLimit  = 20
	queryPrefixRunes     = 50
)

// Activity is the idle signal the pipeline is gated on.
type Activity interface {
	IsIdle(threshold time.Duration) bool
	LastActivity() time.Time
	Changed() <-chan struct{}
}

// KnowledgeSource supplies reference snippets for stage 1.
type KnowledgeSource interface {
	Snippets(ctx context.Context, domains, keywords []string, limit int) ([]string, error)
}

// InteractionSource supplies the interaction history for stage 3.
type InteractionSource interface {
	All() ([]interactions.Record, error)
}

// ModelRegistry receives validated models at stage 6.
type ModelRegistry interface {
	Upsert(e registry.Entry) error
}

// TokenCounter sizes the training set.
type TokenCounter interface {
	CountAll(texts ...string) int
}

// Config tunes the pipeline.
type Config struct {
	IdleThreshold time.Duration
	Throttle      time.Duration
	SnippetLimit  int
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Activity     Activity
	KV           KV
	Teacher      gateway.Teacher
	Knowledge    KnowledgeSource
	Interactions InteractionSource
	Registry     ModelRegistry
	Tokens       TokenCounter
	Domains      []classify.Domain
	Logger       *slog.Logger
}

// Pipeline runs at most one attempt at a time.
type Pipeline struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	running atomic.Bool

	mu       sync.RWMutex
	progress *Progress
	task     *Task
	last     *RunReport
}

// New creates a Pipeline. Zero config values take defaults.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}
	if cfg.SnippetLimit <= 0 {
		cfg.SnippetLimit = defaultSnippetLimit
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, deps: deps, now: time.Now}
}

// IsRunning reports whether an attempt is in flight.
func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

// Current returns the in-flight task and its progress.
func (p *Pipeline) Current() (*Task, *Progress) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.task == nil {
		return nil, nil
	}
	t, pr := *p.task, *p.progress
	return &t, &pr
}

// LastRun returns the report of the most recent finished attempt.
func (p *Pipeline) LastRun() *RunReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

// attempt carries stage outputs between stages of one run.
type attempt struct {
	task      Task
	label     string
	keywords  []string
	knowledge Knowledge
	kmap      KnowledgeMap
	set       TrainingSet
	model     registry.DistilledModel
}

// stageFunc computes a stage and returns the commit that applies its side
// effects. The driver calls commit only if no activity occurred meanwhile.
type stageFunc func(ctx context.Context, a *attempt) (commit func() error, err error)

// Run drives task through the stages. It returns Deployed, ValidationFailed,
// Paused (user activity) or Abandoned (cancellation or storage failure).
func (p *Pipeline) Run(ctx context.Context, task Task) (Outcome, error) {
	if !p.running.CompareAndSwap(false, true) {
		return "", ErrAlreadyRunning
	}
	defer p.running.Store(false)

	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "distillation.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("distill.target", task.TargetModelID),
		attribute.String("distill.kind", string(task.Kind)),
		attribute.Int("distill.version", task.Version),
	)

	a := &attempt{task: task, label: strings.Join(task.Domains, "+"), keywords: p.keywordsFor(task.Domains)}
	p.setProgress(&task, 0)
	log := p.deps.Logger.With("target", task.TargetModelID, "version", task.Version)
	log.Info("distillation started", "kind", task.Kind, "domains", task.Domains)

	outcome, stage, err := p.drive(ctx, a, log)

	span.SetAttributes(attribute.String("distill.outcome", string(outcome)), attribute.Int("distill.stage", int(stage)))
	report := &RunReport{TargetModelID: task.TargetModelID, Outcome: outcome, Stage: int(stage), FinishedAt: p.now()}
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
	}
	p.mu.Lock()
	p.task, p.progress, p.last = nil, nil, report
	p.mu.Unlock()

	log.Info("distillation finished", "outcome", outcome, "stage", stage.String(), "error", err)
	return outcome, err
}

func (p *Pipeline) drive(ctx context.Context, a *attempt, log *slog.Logger) (Outcome, Stage, error) {
	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{Extract, p.extract},
		{Map, p.buildMap},
		{Dataset, p.generateDataset},
		{Distill, p.distill},
		{Validate, p.validate},
		{Deploy, p.deploy},
	}

	for _, st := range stages {
		if !p.deps.Activity.IsIdle(p.cfg.IdleThreshold) {
			log.Info("distillation paused before stage", "stage", st.stage.String())
			return Paused, st.stage, nil
		}
		if err := p.wait(ctx); err != nil {
			if errors.Is(err, errActivity) {
				log.Info("distillation paused during throttle", "stage", st.stage.String())
				return Paused, st.stage, nil
			}
			return Abandoned, st.stage, err
		}
		started := p.now()
		if !p.deps.Activity.IsIdle(p.cfg.IdleThreshold) {
			return Paused, st.stage, nil
		}

		p.setProgress(&a.task, st.stage)
		_, span := telemetry.Tracer("pipeline").Start(ctx, "stage."+st.stage.String())
		commit, err := st.run(ctx, a)
		span.End()
		if err != nil {
			if errors.Is(err, errValidationFailed) {
				p.discard(a, log)
				return ValidationFailed, st.stage, nil
			}
			return Abandoned, st.stage, fmt.Errorf("stage %s: %w", st.stage, err)
		}

		if p.deps.Activity.LastActivity().After(started) {
			log.Info("activity during stage, output discarded", "stage", st.stage.String())
			return Paused, st.stage, nil
		}
		if commit != nil {
			if err := commit(); err != nil {
				return Abandoned, st.stage, fmt.Errorf("committing stage %s: %w", st.stage, err)
			}
		}
		if st.stage == Validate && a.model.Status != registry.Validated {
			log.Info("model failed validation", "domain_accuracy", a.model.Validation.DomainAccuracy)
			p.discard(a, log)
			return ValidationFailed, st.stage, nil
		}
	}
	return Deployed, Deploy, nil
}

// discard drops the stage 1-3 checkpoints of a failed attempt so the next
// attempt regenerates them from the teachers.
func (p *Pipeline) discard(a *attempt, log *slog.Logger) {
	if err := clearCheckpoints(p.deps.KV, a.task.TargetModelID); err != nil {
		log.Warn("failed to clear checkpoints", "error", err)
	}
}

// wait sleeps for the throttle delay. Activity cuts the wait short with
// errActivity.
func (p *Pipeline) wait(ctx context.Context) error {
	changed := p.deps.Activity.Changed()
	if p.cfg.Throttle == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(p.cfg.Throttle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return errActivity
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) setProgress(task *Task, stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := *task
	p.task = &t
	p.progress = &Progress{TargetModelID: task.TargetModelID, Stage: int(stage), TotalStages: TotalStages}
}

func (p *Pipeline) domain(name string) (classify.Domain, bool) {
	for _, d := range p.deps.Domains {
		if d.Name == name {
			return d, true
		}
	}
	return classify.Domain{}, false
}

func (p *Pipeline) keywordsFor(domains []string) []string {
	var out []string
	for _, name := range domains {
		if d, ok := p.domain(name); ok {
			out = append(out, d.Keywords...)
		}
	}
	return out
}
