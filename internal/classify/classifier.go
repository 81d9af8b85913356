// Package classify maps free-text queries to weighted domain matches and a
// complexity tier.
package classify

import (
	"encoding/json"
	"sort"
	"strings"
)

// Complexity is the coarse difficulty tier of a query.
type Complexity string

const (
	High   Complexity = "high"
	Medium Complexity = "medium"
	Low    Complexity = "low"
)

const (
	// minConfidence is the exclusive lower bound for keeping a match.
	minConfidence = 0.3
	// maxMatches caps how many domains a query can match.
	maxMatches = 3
	// longQueryLen is the length above which an unmarked query is High.
	longQueryLen = 100
)

// Match is one domain that a query triggered.
type Match struct {
	Domain          string   `json:"domain"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matched_keywords"`
}

// Classifier holds the immutable domain table and complexity indicators.
type Classifier struct {
	domains    []Domain
	indicators Indicators
}

// New creates a Classifier. Keywords and indicator phrases are lowercased once
// here; the caller's slices are not retained.
func New(domains []Domain, indicators Indicators) *Classifier {
	c := &Classifier{
		domains: make([]Domain, len(domains)),
		indicators: Indicators{
			High:   lowerAll(indicators.High),
			Medium: lowerAll(indicators.Medium),
			Low:    lowerAll(indicators.Low),
		},
	}
	for i, d := range domains {
		d.Keywords = lowerAll(d.Keywords)
		d.TeacherModels = append([]string(nil), d.TeacherModels...)
		c.domains[i] = d
	}
	return c
}

// Domains returns the configured domains in declaration order.
func (c *Classifier) Domains() []Domain {
	out := make([]Domain, len(c.domains))
	copy(out, c.domains)
	return out
}

// Domain looks up a configured domain by name.
func (c *Classifier) Domain(name string) (Domain, bool) {
	for _, d := range c.domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// ClassifyDomains scores every domain against the query and its context. A
// keyword counts once no matter how often it occurs. The result holds at most
// three matches with confidence above 0.3, highest first, ties kept in
// declaration order.
func (c *Classifier) ClassifyDomains(query string, context map[string]any) []Match {
	haystack := strings.ToLower(query)
	if len(context) > 0 {
		if b, err := json.Marshal(context); err == nil {
			haystack += " " + strings.ToLower(string(b))
		}
	}

	var matches []Match
	for _, d := range c.domains {
		if len(d.Keywords) == 0 {
			continue
		}
		var hit []string
		for _, kw := range d.Keywords {
			if kw != "" && strings.Contains(haystack, kw) {
				hit = append(hit, kw)
			}
		}
		conf := float64(len(hit)) / float64(len(d.Keywords)) * d.BaseConfidence
		if conf > minConfidence {
			matches = append(matches, Match{Domain: d.Name, Confidence: conf, MatchedKeywords: hit})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches
}

// ClassifyComplexity assigns a tier to every query. Indicator tiers are tried
// High, then Medium, then Low; an unmarked query is High when it is long.
func (c *Classifier) ClassifyComplexity(query string) Complexity {
	q := strings.ToLower(query)
	switch {
	case containsAny(q, c.indicators.High):
		return High
	case containsAny(q, c.indicators.Medium):
		return Medium
	case containsAny(q, c.indicators.Low):
		return Low
	}
	if len(query) > longQueryLen {
		return High
	}
	return Medium
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
