// Package distill decides what to distill next and runs the pipeline while
// the user is idle.
package distill

import (
	"sort"
	"time"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/pipeline"
	"github.com/kalambet/tellus/internal/registry"
)

// CrossDomainModelID is the target of cross-domain integration tasks.
const CrossDomainModelID = "cross-domain-integrator"

const (
	crossDomainPriority    = 100
	specializationEstimate = 10 * time.Minute
	crossDomainEstimate    = 20 * time.Minute
	specialistModelSuffix  = "-specialist"
)

// DomainStat aggregates the interaction history of one domain.
type DomainStat struct {
	Domain     string    `json:"domain"`
	Count      int       `json:"count"`
	LastSeen   time.Time `json:"last_seen"`
	AvgQuality float64   `json:"avg_quality"`
}

// SpecialistID returns the model id of a domain's specialist.
func SpecialistID(domain string) string {
	return domain + specialistModelSuffix
}

// Aggregate groups records by matched domain, ordered by frequency, then
// recency, then name.
func Aggregate(records []interactions.Record) []DomainStat {
	byDomain := make(map[string]*DomainStat)
	for _, r := range records {
		for _, m := range r.MatchedDomains {
			s, ok := byDomain[m.Domain]
			if !ok {
				s = &DomainStat{Domain: m.Domain}
				byDomain[m.Domain] = s
			}
			s.Count++
			s.AvgQuality += (r.QualityScore - s.AvgQuality) / float64(s.Count)
			if r.Timestamp.After(s.LastSeen) {
				s.LastSeen = r.Timestamp
			}
		}
	}

	out := make([]DomainStat, 0, len(byDomain))
	for _, s := range byDomain {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Domain < b.Domain
	})
	return out
}

// SelectNextTask picks the next distillation task: the most used domain
// whose specialist is missing or stale, then the cross-domain integrator.
// It reports false when nothing needs work.
func SelectNextTask(records []interactions.Record, entries map[string]registry.Entry, domains []classify.Domain, now time.Time) (pipeline.Task, bool) {
	return selectNext(records, entries, domains, now, nil)
}

// selectNext is SelectNextTask with targets for which skip returns true left
// out of consideration.
func selectNext(records []interactions.Record, entries map[string]registry.Entry, domains []classify.Domain, now time.Time, skip func(id string) bool) (pipeline.Task, bool) {
	stats := Aggregate(records)
	if len(stats) == 0 {
		return pipeline.Task{}, false
	}

	configured := make(map[string]classify.Domain, len(domains))
	for _, d := range domains {
		configured[d.Name] = d
	}

	for _, s := range stats {
		d, ok := configured[s.Domain]
		if !ok {
			continue
		}
		id := SpecialistID(d.Name)
		if skip != nil && skip(id) {
			continue
		}
		prev, exists := entries[id]
		if exists && !prev.IsStale(now) {
			continue
		}
		return pipeline.Task{
			Kind:              pipeline.DomainSpecialization,
			Domains:           []string{d.Name},
			TargetModelID:     id,
			TeacherModels:     append([]string(nil), d.TeacherModels...),
			Priority:          d.Priority,
			EstimatedDuration: specializationEstimate,
			Version:           nextVersion(prev, exists),
		}, true
	}

	if skip != nil && skip(CrossDomainModelID) {
		return pipeline.Task{}, false
	}
	prev, exists := entries[CrossDomainModelID]
	if exists && !prev.IsStale(now) {
		return pipeline.Task{}, false
	}
	if len(domains) == 0 {
		return pipeline.Task{}, false
	}
	names := make([]string, 0, len(domains))
	var teachers []string
	seen := make(map[string]bool)
	for _, d := range domains {
		names = append(names, d.Name)
		for _, m := range d.TeacherModels {
			if !seen[m] {
				seen[m] = true
				teachers = append(teachers, m)
			}
		}
	}
	return pipeline.Task{
		Kind:              pipeline.CrossDomainIntegration,
		Domains:           names,
		TargetModelID:     CrossDomainModelID,
		TeacherModels:     teachers,
		Priority:          crossDomainPriority,
		EstimatedDuration: crossDomainEstimate,
		Version:           nextVersion(prev, exists),
	}, true
}

func nextVersion(prev registry.Entry, exists bool) int {
	if !exists {
		return 1
	}
	return prev.Version + 1
}
