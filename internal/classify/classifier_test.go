package classify

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func defaultClassifier() *Classifier {
	return New(DefaultDomains(), DefaultIndicators())
}

func matchNames(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Domain
	}
	return out
}

func TestClassifyDomains_Forecast(t *testing.T) {
	c := defaultClassifier()

	got := c.ClassifyDomains("what is the forecast", nil)
	if len(got) != 1 || got[0].Domain != "meteorology" {
		t.Fatalf("matches = %v, want [meteorology]", matchNames(got))
	}
	if diff := cmp.Diff([]string{"forecast"}, got[0].MatchedKeywords); diff != "" {
		t.Errorf("matched keywords (-want +got):\n%s", diff)
	}
}

func TestClassifyDomains_SoilIrrigation(t *testing.T) {
	c := defaultClassifier()

	got := c.ClassifyDomains("compare soil moisture and irrigation needs", nil)
	if len(got) == 0 || got[0].Domain != "agriculture" {
		t.Fatalf("matches = %v, want agriculture first", matchNames(got))
	}
	if got[0].Confidence <= 0.3 {
		t.Errorf("agriculture confidence = %v, want > 0.3", got[0].Confidence)
	}
}

func TestClassifyDomains_KeywordCountedOnce(t *testing.T) {
	c := New([]Domain{{Name: "d", Keywords: []string{"rain", "snow"}, BaseConfidence: 1}}, DefaultIndicators())

	got := c.ClassifyDomains("rain rain rain", nil)
	if len(got) != 1 || got[0].Confidence != 0.5 {
		t.Errorf("matches = %+v, want one match at 0.5", got)
	}
}

func TestClassifyDomains_ThresholdIsExclusive(t *testing.T) {
	// 3 of 10 keywords at base 1.0 is exactly 0.3 and must be dropped.
	kws := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9", "a0"}
	c := New([]Domain{{Name: "d", Keywords: kws, BaseConfidence: 1}}, DefaultIndicators())

	if got := c.ClassifyDomains("a1 a2 a3", nil); len(got) != 0 {
		t.Errorf("matches = %+v, want none", got)
	}
}

func TestClassifyDomains_ContextIsSearched(t *testing.T) {
	c := defaultClassifier()

	got := c.ClassifyDomains("show me this layer", map[string]any{"layer": "Rain radar"})
	if len(got) != 1 || got[0].Domain != "meteorology" {
		t.Errorf("matches = %v, want [meteorology]", matchNames(got))
	}
}

func TestClassifyDomains_TopThreeStableOrder(t *testing.T) {
	domains := []Domain{
		{Name: "a", Keywords: []string{"x"}, BaseConfidence: 0.5},
		{Name: "b", Keywords: []string{"x"}, BaseConfidence: 0.9},
		{Name: "c", Keywords: []string{"x"}, BaseConfidence: 0.5},
		{Name: "d", Keywords: []string{"x"}, BaseConfidence: 0.5},
	}
	c := New(domains, DefaultIndicators())

	got := c.ClassifyDomains("x", nil)
	if diff := cmp.Diff([]string{"b", "a", "c"}, matchNames(got)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestClassifyDomains_NoMatch(t *testing.T) {
	c := defaultClassifier()
	if got := c.ClassifyDomains("hello there", nil); len(got) != 0 {
		t.Errorf("matches = %v, want none", matchNames(got))
	}
}

func TestClassifyComplexity(t *testing.T) {
	c := defaultClassifier()

	tests := []struct {
		query string
		want  Complexity
	}{
		{"compare soil moisture and irrigation needs", High},
		{"Analyze the drought", High},
		{"explain what is a cold front", Medium},
		{"what is the forecast", Low},
		{"SHOW current rainfall", Low},
		{"rainfall", Medium},
		{strings.Repeat("tell me about the landscape ", 5), High},
	}
	for _, tt := range tests {
		if got := c.ClassifyComplexity(tt.query); got != tt.want {
			t.Errorf("ClassifyComplexity(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestDomainLookup(t *testing.T) {
	c := defaultClassifier()

	d, ok := c.Domain("meteorology")
	if !ok {
		t.Fatal("meteorology not found")
	}
	if d.DesignatedModel() != "anthropic/claude-sonnet-4" {
		t.Errorf("DesignatedModel = %q", d.DesignatedModel())
	}
	if _, ok := c.Domain("astrology"); ok {
		t.Error("unexpected domain astrology")
	}
}
