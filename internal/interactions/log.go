// Package interactions keeps the anonymized, bounded history of routed
// queries that drives distillation prioritization.
package interactions

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/routing"
	"github.com/kalambet/tellus/internal/storage"
)

// MaxRecords is the default cap on stored interactions.
const MaxRecords = 1000

// ErrNotFound is returned when an interaction id is unknown.
var ErrNotFound = errors.New("interaction not found")

// Feedback is the user's explicit verdict on a response.
type Feedback string

const (
	Positive Feedback = "positive"
	Negative Feedback = "negative"
	None     Feedback = ""
)

// ParseFeedback accepts "positive", "negative", or "" / "none".
func ParseFeedback(s string) (Feedback, error) {
	switch s {
	case "positive":
		return Positive, nil
	case "negative":
		return Negative, nil
	case "", "none":
		return None, nil
	}
	return None, fmt.Errorf("invalid feedback %q: must be positive, negative or none", s)
}

// Record is one logged interaction.
type Record struct {
	ID              string           `json:"id"`
	Timestamp       time.Time        `json:"timestamp"`
	AnonymizedQuery string           `json:"anonymized_query"`
	MatchedDomains  []classify.Match `json:"matched_domains"`
	RoutingPattern  routing.Pattern  `json:"routing_pattern"`
	QualityScore    float64          `json:"quality_score"`
	Feedback        Feedback         `json:"feedback,omitempty"`
	SessionContext  map[string]any   `json:"session_context,omitempty"`
}

// Entry is the input to Append.
type Entry struct {
	Query          string
	Response       string
	Routing        routing.Decision
	Feedback       Feedback
	SessionContext map[string]any
}

// Log stores interactions in SQLite. Each append inserts and trims inside one
// transaction, so the table never holds more than maxRecords rows.
type Log struct {
	store      *storage.Store
	maxRecords int
	now        func() time.Time
}

// NewLog creates a Log capped at maxRecords. A non-positive cap uses MaxRecords.
func NewLog(store *storage.Store, maxRecords int) *Log {
	if maxRecords <= 0 {
		maxRecords = MaxRecords
	}
	return &Log{store: store, maxRecords: maxRecords, now: time.Now}
}

// Append anonymizes the query, scores the response and stores the record.
func (l *Log) Append(e Entry) (Record, error) {
	rec := Record{
		ID:              uuid.New().String(),
		Timestamp:       l.now().UTC(),
		AnonymizedQuery: Anonymize(e.Query),
		MatchedDomains:  e.Routing.Matches,
		RoutingPattern:  e.Routing.Pattern,
		QualityScore:    QualityScore(e.Feedback, len(e.Response)),
		Feedback:        e.Feedback,
		SessionContext:  e.SessionContext,
	}
	if rec.MatchedDomains == nil {
		rec.MatchedDomains = []classify.Match{}
	}

	row, err := toRow(rec, len(e.Response))
	if err != nil {
		return Record{}, err
	}
	if err := l.store.AppendInteraction(row, l.maxRecords); err != nil {
		return Record{}, fmt.Errorf("appending interaction: %w", err)
	}
	return rec, nil
}

// SetFeedback records the user's verdict and rescores the interaction.
func (l *Log) SetFeedback(id string, fb Feedback) (Record, error) {
	row, err := l.store.GetInteraction(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading interaction %s: %w", id, err)
	}
	quality := QualityScore(fb, row.ResponseChars)
	if err := l.store.UpdateFeedback(id, string(fb), quality); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("updating feedback: %w", err)
	}
	row.Feedback = string(fb)
	row.QualityScore = quality
	return fromRow(row)
}

// Get returns one interaction by id.
func (l *Log) Get(id string) (Record, error) {
	row, err := l.store.GetInteraction(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return fromRow(row)
}

// List returns a page of interactions, newest first.
func (l *Log) List(limit, offset int) ([]Record, error) {
	rows, err := l.store.ListInteractions(limit, offset)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// All returns every stored interaction, oldest first.
func (l *Log) All() ([]Record, error) {
	rows, err := l.store.AllInteractions()
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// Count returns the number of stored interactions.
func (l *Log) Count() (int, error) {
	return l.store.CountInteractions()
}

// Delete removes one interaction.
func (l *Log) Delete(id string) error {
	err := l.store.DeleteInteraction(id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ForDomain filters records to those that matched the given domain.
func ForDomain(records []Record, domain string) []Record {
	var out []Record
	for _, r := range records {
		for _, m := range r.MatchedDomains {
			if m.Domain == domain {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func toRow(r Record, responseChars int) (storage.Interaction, error) {
	domains, err := json.Marshal(r.MatchedDomains)
	if err != nil {
		return storage.Interaction{}, fmt.Errorf("marshaling matched domains: %w", err)
	}
	session := []byte("{}")
	if len(r.SessionContext) > 0 {
		session, err = json.Marshal(r.SessionContext)
		if err != nil {
			return storage.Interaction{}, fmt.Errorf("marshaling session context: %w", err)
		}
	}
	return storage.Interaction{
		ID:              r.ID,
		CreatedAt:       r.Timestamp,
		AnonymizedQuery: r.AnonymizedQuery,
		MatchedDomains:  string(domains),
		RoutingPattern:  string(r.RoutingPattern),
		QualityScore:    r.QualityScore,
		Feedback:        string(r.Feedback),
		SessionContext:  string(session),
		ResponseChars:   responseChars,
	}, nil
}

func fromRow(row storage.Interaction) (Record, error) {
	rec := Record{
		ID:              row.ID,
		Timestamp:       row.CreatedAt,
		AnonymizedQuery: row.AnonymizedQuery,
		RoutingPattern:  routing.Pattern(row.RoutingPattern),
		QualityScore:    row.QualityScore,
		Feedback:        Feedback(row.Feedback),
		MatchedDomains:  []classify.Match{},
	}
	if row.MatchedDomains != "" {
		if err := json.Unmarshal([]byte(row.MatchedDomains), &rec.MatchedDomains); err != nil {
			return Record{}, fmt.Errorf("decoding matched domains of %s: %w", row.ID, err)
		}
	}
	if row.SessionContext != "" && row.SessionContext != "{}" {
		if err := json.Unmarshal([]byte(row.SessionContext), &rec.SessionContext); err != nil {
			return Record{}, fmt.Errorf("decoding session context of %s: %w", row.ID, err)
		}
	}
	return rec, nil
}

func fromRows(rows []storage.Interaction) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
