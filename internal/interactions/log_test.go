package interactions

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/routing"
	"github.com/kalambet/tellus/internal/storage"
)

func newTestLog(t *testing.T, max int) *Log {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLog(s, max)
}

func forecastDecision() routing.Decision {
	return routing.Decision{
		Pattern:      routing.RouterBased,
		PrimaryModel: "anthropic/claude-sonnet-4",
		Matches:      []classify.Match{{Domain: "meteorology", Confidence: 0.33, MatchedKeywords: []string{"forecast"}}},
	}
}

func TestAppend_AnonymizesAndScores(t *testing.T) {
	l := newTestLog(t, 0)

	rec, err := l.Append(Entry{
		Query:          "email me the forecast at jane@example.com",
		Response:       strings.Repeat("x", 150),
		Routing:        forecastDecision(),
		SessionContext: map[string]any{"view": "globe"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if strings.Contains(rec.AnonymizedQuery, "jane@example.com") {
		t.Errorf("AnonymizedQuery = %q still holds the email", rec.AnonymizedQuery)
	}
	if rec.QualityScore != 0.7 {
		t.Errorf("QualityScore = %v, want 0.7", rec.QualityScore)
	}

	got, err := l.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(rec.MatchedDomains, got.MatchedDomains); diff != "" {
		t.Errorf("MatchedDomains round trip (-want +got):\n%s", diff)
	}
	if got.RoutingPattern != routing.RouterBased {
		t.Errorf("RoutingPattern = %q", got.RoutingPattern)
	}
	if got.SessionContext["view"] != "globe" {
		t.Errorf("SessionContext = %v", got.SessionContext)
	}
}

func TestAppend_NeverExceedsCap(t *testing.T) {
	l := newTestLog(t, MaxRecords)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var first, second Record
	for i := 0; i < MaxRecords+1; i++ {
		rec, err := l.Append(Entry{Query: fmt.Sprintf("query %d", i), Routing: forecastDecision()})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		switch i {
		case 0:
			first = rec
		case 1:
			second = rec
		}
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != MaxRecords {
		t.Fatalf("Count = %d, want %d", n, MaxRecords)
	}
	if _, err := l.Get(first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest record still present, err = %v", err)
	}
	all, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if all[0].ID != second.ID {
		t.Errorf("oldest retained = %s, want %s", all[0].ID, second.ID)
	}
}

func TestSetFeedback_Rescores(t *testing.T) {
	l := newTestLog(t, 0)

	rec, err := l.Append(Entry{Query: "what is the forecast", Response: "sunny", Routing: forecastDecision()})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.QualityScore != 0.5 {
		t.Fatalf("initial QualityScore = %v, want 0.5", rec.QualityScore)
	}

	updated, err := l.SetFeedback(rec.ID, Positive)
	if err != nil {
		t.Fatalf("SetFeedback: %v", err)
	}
	if updated.Feedback != Positive || updated.QualityScore != 0.9 {
		t.Errorf("feedback=%q quality=%v, want positive 0.9", updated.Feedback, updated.QualityScore)
	}

	if _, err := l.SetFeedback("missing", Negative); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetFeedback(missing) = %v, want ErrNotFound", err)
	}
}

func TestParseFeedback(t *testing.T) {
	tests := []struct {
		in      string
		want    Feedback
		wantErr bool
	}{
		{"positive", Positive, false},
		{"negative", Negative, false},
		{"none", None, false},
		{"", None, false},
		{"meh", None, true},
	}
	for _, tt := range tests {
		got, err := ParseFeedback(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFeedback(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFeedback(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForDomain(t *testing.T) {
	recs := []Record{
		{ID: "1", MatchedDomains: []classify.Match{{Domain: "meteorology"}}},
		{ID: "2", MatchedDomains: []classify.Match{{Domain: "agriculture"}, {Domain: "meteorology"}}},
		{ID: "3"},
	}
	got := ForDomain(recs, "meteorology")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("ForDomain = %v", got)
	}
}
