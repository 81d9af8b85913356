package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is the persisted form of one routed query. Structured fields are
// stored as JSON text; the interactions package owns their shape.
type Interaction struct {
	ID              string
	CreatedAt       time.Time
	AnonymizedQuery string
	MatchedDomains  string // JSON array stored as text
	RoutingPattern  string
	QualityScore    float64
	Feedback        string // "positive", "negative" or ""
	SessionContext  string // JSON object stored as text
	ResponseChars   int
}

// KnowledgeDoc is a domain knowledge snippet ingested for distillation.
type KnowledgeDoc struct {
	ID        string
	Domain    string
	Title     string
	Content   string
	Source    string
	CreatedAt time.Time
}
