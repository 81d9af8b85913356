package pipeline

import (
	"fmt"
	"time"
)

// Stage is a step of the distillation state machine.
type Stage int

const (
	Extract Stage = iota + 1
	Map
	Dataset
	Distill
	Validate
	Deploy
)

// TotalStages is the number of numbered stages.
const TotalStages = int(Deploy)

func (s Stage) String() string {
	switch s {
	case Extract:
		return "extract"
	case Map:
		return "map"
	case Dataset:
		return "dataset"
	case Distill:
		return "distill"
	case Validate:
		return "validate"
	case Deploy:
		return "deploy"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Outcome is how a pipeline attempt ended.
type Outcome string

const (
	Deployed         Outcome = "deployed"
	ValidationFailed Outcome = "validation_failed"
	Paused           Outcome = "paused"
	Abandoned        Outcome = "abandoned"
)

// TaskKind distinguishes single-domain from cross-domain distillation.
type TaskKind string

const (
	DomainSpecialization   TaskKind = "domain_specialization"
	CrossDomainIntegration TaskKind = "cross_domain_integration"
)

// Task is one distillation job. It is recomputed for every idle window and
// never persisted.
type Task struct {
	Kind              TaskKind      `json:"kind"`
	Domains           []string      `json:"domains"`
	TargetModelID     string        `json:"target_model_id"`
	TeacherModels     []string      `json:"teacher_models"`
	Priority          int           `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Version           int           `json:"version"`
}

// Progress is the live position of the in-flight task.
type Progress struct {
	TargetModelID string `json:"target_model_id"`
	Stage         int    `json:"stage"`
	TotalStages   int    `json:"total_stages"`
}

// RunReport summarizes the last finished attempt.
type RunReport struct {
	TargetModelID string    `json:"target_model_id"`
	Outcome       Outcome   `json:"outcome"`
	Stage         int       `json:"stage"`
	FinishedAt    time.Time `json:"finished_at"`
	Error         string    `json:"error,omitempty"`
}

// Knowledge is the stage 1 checkpoint.
type Knowledge struct {
	Concepts      []string `json:"concepts"`
	Relationships []string `json:"relationships"`
	Procedures    []string `json:"procedures"`
	Terminology   []string `json:"terminology"`
	Sources       int      `json:"sources"`
	Quality       float64  `json:"quality"`
	Degraded      bool     `json:"degraded,omitempty"`
}

// Topic is one node of the knowledge map.
type Topic struct {
	Name    string   `json:"name"`
	Summary string   `json:"summary"`
	Related []string `json:"related"`
}

// KnowledgeMap is the stage 2 checkpoint.
type KnowledgeMap struct {
	Topics   []Topic `json:"topics"`
	Quality  float64 `json:"quality"`
	Degraded bool    `json:"degraded,omitempty"`
}

// QAPair is one generated training example.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Teacher  string `json:"teacher,omitempty"`
}

// InteractionPattern is a historical query reduced to a short prefix.
type InteractionPattern struct {
	QueryPrefix    string  `json:"query_prefix"`
	RoutingPattern string  `json:"routing_pattern"`
	Quality        float64 `json:"quality"`
}

// TrainingSet is the stage 3 checkpoint.
type TrainingSet struct {
	Pairs    []QAPair             `json:"pairs"`
	Patterns []InteractionPattern `json:"patterns"`
	Quality  float64              `json:"quality"`
	Degraded bool                 `json:"degraded,omitempty"`
}

// Size is the number of training examples.
func (d TrainingSet) Size() int {
	return len(d.Pairs) + len(d.Patterns)
}
