package distill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/pipeline"
	"github.com/kalambet/tellus/internal/registry"
)

// DefaultPollInterval is how often the scheduler checks for an idle window.
const DefaultPollInterval = 30 * time.Second

// Retry delays after a failed validation. The delay doubles with every
// consecutive failure of the same target.
const (
	retryBaseDelay = 10 * time.Minute
	retryMaxDelay  = 6 * time.Hour
)

type retryState struct {
	failures int
	until    time.Time
}

// IdleChecker reports whether the user has been idle long enough.
type IdleChecker interface {
	IsIdle(threshold time.Duration) bool
}

// History returns the interaction log oldest first.
type History interface {
	All() ([]interactions.Record, error)
}

// Models returns a copy of the registry entries keyed by model id.
type Models interface {
	Snapshot() map[string]registry.Entry
}

// Runner runs one pipeline attempt.
type Runner interface {
	IsRunning() bool
	Run(ctx context.Context, task pipeline.Task) (pipeline.Outcome, error)
}

// Scheduler starts a pipeline attempt whenever the user is idle and there is
// a task to run.
type Scheduler struct {
	activity  IdleChecker
	history   History
	models    Models
	runner    Runner
	domains   []classify.Domain
	threshold time.Duration
	poll      time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	backoff map[string]retryState
}

// NewScheduler creates a Scheduler. If pollInterval is <= 0 it defaults to
// DefaultPollInterval; a non-positive threshold uses the pipeline default.
func NewScheduler(activity IdleChecker, history History, models Models, runner Runner, domains []classify.Domain, threshold, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if threshold <= 0 {
		threshold = pipeline.DefaultIdleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		activity:  activity,
		history:   history,
		models:    models,
		runner:    runner,
		domains:   domains,
		threshold: threshold,
		poll:      pollInterval,
		now:       time.Now,
		logger:    logger,
		backoff:   make(map[string]retryState),
	}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduler iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce selects and runs a single task if the user is idle and nothing is
// running. It returns true when an attempt was started.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	if s.runner.IsRunning() || !s.activity.IsIdle(s.threshold) {
		return false, nil
	}

	records, err := s.history.All()
	if err != nil {
		return false, fmt.Errorf("loading interactions: %w", err)
	}
	now := s.now()
	task, ok := selectNext(records, s.models.Snapshot(), s.domains, now, func(id string) bool {
		return s.backingOff(id, now)
	})
	if !ok {
		return false, nil
	}

	s.logger.Info("idle window, starting distillation",
		"target", task.TargetModelID,
		"kind", task.Kind,
		"version", task.Version,
	)
	outcome, err := s.runner.Run(ctx, task)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return false, nil
	case err != nil && ctx.Err() != nil:
		return true, nil
	case err != nil:
		return true, fmt.Errorf("distilling %s: %w", task.TargetModelID, err)
	}
	s.recordOutcome(task.TargetModelID, outcome)
	s.logger.Debug("distillation attempt ended", "target", task.TargetModelID, "outcome", outcome)
	return true, nil
}

func (s *Scheduler) backingOff(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.backoff[id]
	return ok && now.Before(st.until)
}

// recordOutcome puts a target that failed validation on hold so lower-ranked
// targets get the next idle windows. A deployment clears the hold.
func (s *Scheduler) recordOutcome(id string, outcome pipeline.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case pipeline.Deployed:
		delete(s.backoff, id)
	case pipeline.ValidationFailed:
		st := s.backoff[id]
		st.failures++
		delay := retryBaseDelay
		for i := 1; i < st.failures && delay < retryMaxDelay; i++ {
			delay *= 2
		}
		delay = min(delay, retryMaxDelay)
		st.until = s.now().Add(delay)
		s.backoff[id] = st
		s.logger.Info("distillation target on hold after failed validation",
			"target", id, "failures", st.failures, "retry_after", delay)
	}
}
