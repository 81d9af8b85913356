package registry

import "time"

// Status is the validation verdict of a distilled model.
type Status string

const (
	Validated        Status = "validated"
	NeedsImprovement Status = "needs_improvement"
)

// Staleness thresholds.
const (
	maxAgeDays        = 7
	minAccuracy       = 0.8
	heavyUsage        = 100
	heavyUsageMaxDays = 3
)

// TrainingSummary describes the dataset a model was distilled from.
type TrainingSummary struct {
	DatasetSize   int     `json:"dataset_size"`
	QualityScore  float64 `json:"quality_score"`
	DatasetTokens int     `json:"dataset_tokens"`
}

// Performance holds the measured or estimated runtime figures of a model.
type Performance struct {
	Accuracy     float64 `json:"accuracy"`
	LatencyMs    int64   `json:"latency_ms"`
	SizeEstimate int     `json:"size_estimate"`
}

// Validation holds the scores produced by the validation stage.
type Validation struct {
	DomainAccuracy     float64 `json:"domain_accuracy"`
	ResponseCoherence  float64 `json:"response_coherence"`
	FactualConsistency float64 `json:"factual_consistency"`
}

// DistilledModel is the output of a distillation run.
type DistilledModel struct {
	Name            string          `json:"name"`
	Domain          string          `json:"domain"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	TrainingSummary TrainingSummary `json:"training_summary"`
	Capabilities    []string        `json:"capabilities"`
	Performance     Performance     `json:"performance"`
	Validation      *Validation     `json:"validation,omitempty"`
	Status          Status          `json:"status"`
	TeacherModels   []string        `json:"teacher_models"`
}

// Entry is a deployed model plus its usage statistics.
type Entry struct {
	DistilledModel
	DeployedAt  time.Time `json:"deployed_at"`
	UsageCount  int       `json:"usage_count"`
	AvgRating   float64   `json:"avg_rating"`
	RatingCount int       `json:"rating_count"`
}

// DaysSinceCreated returns the fractional age of the model in days.
func (e Entry) DaysSinceCreated(now time.Time) float64 {
	return now.Sub(e.CreatedAt).Hours() / 24
}

// IsStale reports whether the entry should be re-distilled: it is older than
// a week, validated below 0.8 (no validation counts as 0), or heavily used
// and older than three days.
func (e Entry) IsStale(now time.Time) bool {
	days := e.DaysSinceCreated(now)
	accuracy := 0.0
	if e.Validation != nil {
		accuracy = e.Validation.DomainAccuracy
	}
	return days > maxAgeDays ||
		accuracy < minAccuracy ||
		(e.UsageCount > heavyUsage && days > heavyUsageMaxDays)
}
