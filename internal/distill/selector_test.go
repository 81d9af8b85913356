package distill

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/pipeline"
	"github.com/kalambet/tellus/internal/registry"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func record(id string, at time.Time, quality float64, domains ...string) interactions.Record {
	r := interactions.Record{ID: id, Timestamp: at, QualityScore: quality}
	for _, d := range domains {
		r.MatchedDomains = append(r.MatchedDomains, classify.Match{Domain: d, Confidence: 0.5})
	}
	return r
}

func entry(name string, version int, created time.Time, accuracy float64, usage int) registry.Entry {
	return registry.Entry{
		DistilledModel: registry.DistilledModel{
			Name:       name,
			Version:    version,
			CreatedAt:  created,
			Validation: &registry.Validation{DomainAccuracy: accuracy},
			Status:     registry.Validated,
		},
		UsageCount: usage,
	}
}

func TestAggregate_OrderAndAverage(t *testing.T) {
	records := []interactions.Record{
		record("1", now.Add(-3*time.Hour), 0.5, "hydrology"),
		record("2", now.Add(-2*time.Hour), 0.9, "meteorology", "hydrology"),
		record("3", now.Add(-1*time.Hour), 0.7, "meteorology"),
		record("4", now.Add(-1*time.Hour), 0.7, "ecology"),
		record("5", now.Add(-1*time.Hour), 0.7, "agriculture"),
	}

	got := Aggregate(records)
	want := []DomainStat{
		{Domain: "meteorology", Count: 2, LastSeen: now.Add(-1 * time.Hour), AvgQuality: 0.8},
		{Domain: "hydrology", Count: 2, LastSeen: now.Add(-2 * time.Hour), AvgQuality: 0.7},
		{Domain: "agriculture", Count: 1, LastSeen: now.Add(-1 * time.Hour), AvgQuality: 0.7},
		{Domain: "ecology", Count: 1, LastSeen: now.Add(-1 * time.Hour), AvgQuality: 0.7},
	}
	approx := cmp.Comparer(func(a, b float64) bool { d := a - b; return d < 1e-9 && d > -1e-9 })
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectNextTask_NoHistory(t *testing.T) {
	if task, ok := SelectNextTask(nil, nil, classify.DefaultDomains(), now); ok {
		t.Errorf("got task %+v for empty history", task)
	}
}

func TestSelectNextTask_MostFrequentMissingSpecialist(t *testing.T) {
	records := []interactions.Record{
		record("1", now, 0.7, "agriculture"),
		record("2", now, 0.7, "meteorology"),
		record("3", now, 0.7, "meteorology"),
	}

	task, ok := SelectNextTask(records, nil, classify.DefaultDomains(), now)
	if !ok {
		t.Fatal("no task selected")
	}
	want := pipeline.Task{
		Kind:              pipeline.DomainSpecialization,
		Domains:           []string{"meteorology"},
		TargetModelID:     "meteorology-specialist",
		TeacherModels:     []string{"anthropic/claude-sonnet-4", "llama3.2"},
		Priority:          90,
		EstimatedDuration: 10 * time.Minute,
		Version:           1,
	}
	if diff := cmp.Diff(want, task); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectNextTask_StaleBeforeFresh(t *testing.T) {
	// Agriculture is used more but its specialist is fresh; the eight-day-old
	// meteorology specialist is stale regardless of usage.
	records := []interactions.Record{
		record("1", now, 0.7, "agriculture"),
		record("2", now, 0.7, "agriculture"),
		record("3", now, 0.7, "meteorology"),
	}
	entries := map[string]registry.Entry{
		"agriculture-specialist": entry("agriculture-specialist", 1, now.Add(-time.Hour), 0.95, 0),
		"meteorology-specialist": entry("meteorology-specialist", 3, now.Add(-8*24*time.Hour), 0.95, 0),
	}

	task, ok := SelectNextTask(records, entries, classify.DefaultDomains(), now)
	if !ok {
		t.Fatal("no task selected")
	}
	if task.TargetModelID != "meteorology-specialist" || task.Version != 4 {
		t.Errorf("task = %s v%d, want meteorology-specialist v4", task.TargetModelID, task.Version)
	}
}

func TestSelectNextTask_SkipsUnconfiguredDomains(t *testing.T) {
	records := []interactions.Record{
		record("1", now, 0.7, "volcanology"),
		record("2", now, 0.7, "volcanology"),
		record("3", now, 0.7, "hydrology"),
	}

	task, ok := SelectNextTask(records, nil, classify.DefaultDomains(), now)
	if !ok || task.TargetModelID != "hydrology-specialist" {
		t.Errorf("task = %+v ok=%v, want hydrology-specialist", task, ok)
	}
}

func TestSelectNextTask_CrossDomainWhenSpecialistsFresh(t *testing.T) {
	records := []interactions.Record{record("1", now, 0.7, "hydrology")}
	entries := map[string]registry.Entry{
		"hydrology-specialist": entry("hydrology-specialist", 1, now, 0.9, 0),
	}

	task, ok := SelectNextTask(records, entries, classify.DefaultDomains(), now)
	if !ok {
		t.Fatal("no task selected")
	}
	if task.Kind != pipeline.CrossDomainIntegration || task.TargetModelID != CrossDomainModelID {
		t.Fatalf("task = %+v, want cross-domain integration", task)
	}
	if task.Priority != 100 || task.Version != 1 || len(task.Domains) != 5 {
		t.Errorf("priority=%d version=%d domains=%v", task.Priority, task.Version, task.Domains)
	}
	wantTeachers := []string{"anthropic/claude-sonnet-4", "llama3.2", "openai/gpt-4o", "google/gemini-2.5-pro"}
	if diff := cmp.Diff(wantTeachers, task.TeacherModels); diff != "" {
		t.Errorf("teachers mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectNextTask_NothingToDo(t *testing.T) {
	records := []interactions.Record{record("1", now, 0.7, "hydrology")}
	entries := map[string]registry.Entry{
		"hydrology-specialist": entry("hydrology-specialist", 1, now, 0.9, 0),
		CrossDomainModelID:     entry(CrossDomainModelID, 1, now, 0.9, 0),
	}

	if task, ok := SelectNextTask(records, entries, classify.DefaultDomains(), now); ok {
		t.Errorf("got task %+v, want none", task)
	}
}

func TestSelectNextTask_HeavilyUsedModelGoesStaleAfterThreeDays(t *testing.T) {
	records := []interactions.Record{record("1", now, 0.7, "ecology")}
	for _, tt := range []struct {
		age   time.Duration
		usage int
		want  bool
	}{
		{4 * 24 * time.Hour, 101, true},
		{4 * 24 * time.Hour, 100, false},
		{2 * 24 * time.Hour, 500, false},
	} {
		t.Run(fmt.Sprintf("%v/%d", tt.age, tt.usage), func(t *testing.T) {
			entries := map[string]registry.Entry{
				"ecology-specialist": entry("ecology-specialist", 1, now.Add(-tt.age), 0.9, tt.usage),
				CrossDomainModelID:   entry(CrossDomainModelID, 1, now, 0.9, 0),
			}
			_, ok := SelectNextTask(records, entries, classify.DefaultDomains(), now)
			if ok != tt.want {
				t.Errorf("selected = %v, want %v", ok, tt.want)
			}
		})
	}
}
