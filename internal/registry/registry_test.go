package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/tellus/internal/storage"
)

type memKV struct {
	mu      sync.Mutex
	data    map[string]string
	failSet bool
	sets    int
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("disk full")
	}
	m.sets++
	m.data[key] = value
	return nil
}

type stubExecutor struct {
	calls []string
	err   error
}

func (s *stubExecutor) Execute(_ context.Context, e Entry, query string) (ExecResult, error) {
	s.calls = append(s.calls, e.Name+":"+query)
	if s.err != nil {
		return ExecResult{}, s.err
	}
	return ExecResult{Content: "answer from " + e.Name, Confidence: 0.85}, nil
}

func validatedEntry(name string, created time.Time) Entry {
	return Entry{
		DistilledModel: DistilledModel{
			Name:       name,
			Domain:     "meteorology",
			Version:    1,
			CreatedAt:  created,
			Validation: &Validation{DomainAccuracy: 0.9, ResponseCoherence: 0.9, FactualConsistency: 0.9},
			Status:     Validated,
		},
		DeployedAt: created,
	}
}

func TestInvoke_UnknownModel(t *testing.T) {
	r := New(newMemKV(), &stubExecutor{}, nil)

	_, err := r.Invoke(context.Background(), "ghost", "hi")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Invoke(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestInvoke_IncrementsUsageAndDelegates(t *testing.T) {
	kv := newMemKV()
	exec := &stubExecutor{}
	r := New(kv, exec, nil)
	if err := r.Upsert(validatedEntry("meteorology-specialist", time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	res, err := r.Invoke(context.Background(), "meteorology-specialist", "rain tomorrow?")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "answer from meteorology-specialist" || res.Confidence != 0.85 {
		t.Errorf("result = %+v", res)
	}
	if len(exec.calls) != 1 {
		t.Errorf("executor calls = %d, want 1", len(exec.calls))
	}

	e, err := r.Get("meteorology-specialist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", e.UsageCount)
	}

	reloaded := New(kv, exec, nil)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e2, err := reloaded.Get("meteorology-specialist")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if e2.UsageCount != 1 {
		t.Errorf("persisted UsageCount = %d, want 1", e2.UsageCount)
	}
}

func TestInvoke_ExecutorErrorWrapped(t *testing.T) {
	exec := &stubExecutor{err: errors.New("backend down")}
	r := New(newMemKV(), exec, nil)
	if err := r.Upsert(validatedEntry("m", time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := r.Invoke(context.Background(), "m", "q"); err == nil {
		t.Error("Invoke error = nil, want executor failure")
	}
}

func TestUpsert_FailedWriteLeavesRegistryUnchanged(t *testing.T) {
	kv := newMemKV()
	r := New(kv, &stubExecutor{}, nil)
	kv.failSet = true

	if err := r.Upsert(validatedEntry("m", time.Now())); err == nil {
		t.Fatal("Upsert error = nil, want write failure")
	}
	if _, err := r.Get("m"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failed Upsert = %v, want ErrNotFound", err)
	}
}

func TestLoad_MissingSnapshot(t *testing.T) {
	r := New(newMemKV(), &stubExecutor{}, nil)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("List len = %d, want 0", n)
	}
}

func TestList_SortedByName(t *testing.T) {
	r := New(newMemKV(), &stubExecutor{}, nil)
	for _, n := range []string{"z-specialist", "a-specialist", "m-specialist"} {
		if err := r.Upsert(validatedEntry(n, time.Now())); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	var names []string
	for _, e := range r.List() {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"a-specialist", "m-specialist", "z-specialist"}, names); diff != "" {
		t.Errorf("List order (-want +got):\n%s", diff)
	}
}

func TestRate_RunningMean(t *testing.T) {
	r := New(newMemKV(), &stubExecutor{}, nil)
	if err := r.Upsert(validatedEntry("m", time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := r.Rate("m", 5); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	e, err := r.Rate("m", 2)
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if e.AvgRating != 3.5 || e.RatingCount != 2 {
		t.Errorf("avg=%v count=%d, want 3.5 2", e.AvgRating, e.RatingCount)
	}
	if _, err := r.Rate("m", 7); err == nil {
		t.Error("Rate(7) error = nil, want range error")
	}
	if _, err := r.Rate("ghost", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rate(ghost) = %v, want ErrNotFound", err)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name  string
		entry func() Entry
		want  bool
	}{
		{"fresh", func() Entry { return validatedEntry("m", now.Add(-day)) }, false},
		{"eight days old", func() Entry { return validatedEntry("m", now.Add(-8*day)) }, true},
		{"low accuracy", func() Entry {
			e := validatedEntry("m", now)
			e.Validation.DomainAccuracy = 0.79
			return e
		}, true},
		{"no validation", func() Entry {
			e := validatedEntry("m", now)
			e.Validation = nil
			return e
		}, true},
		{"heavy use four days", func() Entry {
			e := validatedEntry("m", now.Add(-4*day))
			e.UsageCount = 101
			return e
		}, true},
		{"heavy use two days", func() Entry {
			e := validatedEntry("m", now.Add(-2*day))
			e.UsageCount = 500
			return e
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry().IsStale(now); got != tt.want {
				t.Errorf("IsStale = %v, want %v", got, tt.want)
			}
		})
	}
}
