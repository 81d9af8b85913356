// Package registry holds the deployed distilled models and their usage
// statistics, persisted as one snapshot in the key-value store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/tellus/internal/storage"
)

// SnapshotKey is the KV key holding the registry snapshot.
const SnapshotKey = "model_registry"

// ErrNotFound is returned for unknown model ids.
var ErrNotFound = errors.New("model not found in registry")

// KV is the persistence the registry needs.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// ExecResult is what the model execution backend returns.
type ExecResult struct {
	Content    string
	Confidence float64
}

// Executor runs a query against a deployed model.
type Executor interface {
	Execute(ctx context.Context, entry Entry, query string) (ExecResult, error)
}

// InferenceResult is returned by Invoke.
type InferenceResult struct {
	ModelID    string  `json:"model_id"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	LatencyMs  int64   `json:"latency_ms"`
}

// Registry is the process-wide model registry. All mutations hold mu and write
// the full snapshot, so a reader of the KV store never sees a partial update.
type Registry struct {
	kv       KV
	executor Executor
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry. Call Load to populate it from the store.
func New(kv KV, executor Executor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		kv:       kv,
		executor: executor,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]Entry),
	}
}

// Load replaces the in-memory entries with the persisted snapshot. A missing
// snapshot leaves the registry empty.
func (r *Registry) Load(ctx context.Context) error {
	raw, err := r.kv.Get(SnapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry snapshot: %w", err)
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("decoding registry snapshot: %w", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	r.logger.Info("model registry loaded", "models", len(entries))
	return nil
}

// Flush writes the current entries to the store.
func (r *Registry) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persist(r.entries)
}

// persist must be called with mu held.
func (r *Registry) persist(entries map[string]Entry) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding registry snapshot: %w", err)
	}
	if err := r.kv.Set(SnapshotKey, string(b)); err != nil {
		return fmt.Errorf("writing registry snapshot: %w", err)
	}
	return nil
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns a copy of the entries keyed by model id.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Upsert deploys or overwrites the entry keyed by its name. The in-memory
// map is only updated after the snapshot write succeeds.
func (r *Registry) Upsert(e Entry) error {
	if e.Name == "" {
		return errors.New("registry entry has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Entry, len(r.entries)+1)
	for k, v := range r.entries {
		next[k] = v
	}
	next[e.Name] = e
	if err := r.persist(next); err != nil {
		return err
	}
	r.entries = next
	return nil
}

// Rate folds a 1-5 user rating into the entry's running average.
func (r *Registry) Rate(id string, rating float64) (Entry, error) {
	if rating < 1 || rating > 5 {
		return Entry{}, fmt.Errorf("rating %v out of range [1,5]", rating)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.AvgRating = (e.AvgRating*float64(e.RatingCount) + rating) / float64(e.RatingCount+1)
	e.RatingCount++
	r.entries[id] = e
	if err := r.persist(r.entries); err != nil {
		r.logger.Warn("failed to persist rating", "model", id, "error", err)
	}
	return e, nil
}

// Invoke runs query on a deployed model. Unknown ids fail with ErrNotFound.
// Usage is counted before execution, so failed executions still count.
func (r *Registry) Invoke(ctx context.Context, id, query string) (InferenceResult, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return InferenceResult{}, fmt.Errorf("invoke %q: %w", id, ErrNotFound)
	}
	e.UsageCount++
	r.entries[id] = e
	if err := r.persist(r.entries); err != nil {
		r.logger.Warn("failed to persist usage count", "model", id, "error", err)
	}
	r.mu.Unlock()

	start := r.now()
	res, err := r.executor.Execute(ctx, e, query)
	if err != nil {
		return InferenceResult{}, fmt.Errorf("executing model %s: %w", id, err)
	}
	return InferenceResult{
		ModelID:    id,
		Content:    res.Content,
		Confidence: res.Confidence,
		LatencyMs:  r.now().Sub(start).Milliseconds(),
	}, nil
}
