// Package routing turns classifier output into a synthesis-pattern decision.
package routing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/telemetry"
)

// Pattern is the strategy used to combine model outputs into one response.
type Pattern string

const (
	MixtureOfExperts   Pattern = "mixture_of_experts"
	SequentialChaining Pattern = "sequential_chaining"
	RouterBased        Pattern = "router_based"
	SystemPrompt       Pattern = "system_prompt"
)

// Decision is the routing outcome for one query.
type Decision struct {
	Pattern           Pattern             `json:"pattern"`
	Models            []string            `json:"models"`
	PrimaryModel      string              `json:"primary_model"`
	RequiresSynthesis bool                `json:"requires_synthesis"`
	Matches           []classify.Match    `json:"matches"`
	Complexity        classify.Complexity `json:"complexity"`
}

// Router is safe for concurrent use; it holds no mutable state.
type Router struct {
	classifier    *classify.Classifier
	fallbackModel string
	logger        *slog.Logger
}

// New creates a Router. fallbackModel is used as the primary model when no
// domain matches.
func New(classifier *classify.Classifier, fallbackModel string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{classifier: classifier, fallbackModel: fallbackModel, logger: logger}
}

// Route classifies the query and picks a pattern. It never fails: a query
// with no matching domain resolves to SystemPrompt on the fallback model.
func (r *Router) Route(ctx context.Context, query string, qctx map[string]any) Decision {
	_, span := telemetry.Tracer("routing").Start(ctx, "route")
	defer span.End()

	matches := r.classifier.ClassifyDomains(query, qctx)
	complexity := r.classifier.ClassifyComplexity(query)

	d := Decision{
		Pattern:      choosePattern(len(matches), complexity),
		Models:       r.modelsFor(matches),
		PrimaryModel: r.fallbackModel,
		Matches:      matches,
		Complexity:   complexity,
	}
	if len(d.Models) > 0 {
		d.PrimaryModel = d.Models[0]
	}
	d.RequiresSynthesis = d.Pattern != RouterBased && d.Pattern != SystemPrompt
	if d.Matches == nil {
		d.Matches = []classify.Match{}
	}

	span.SetAttributes(
		attribute.String("routing.pattern", string(d.Pattern)),
		attribute.String("routing.complexity", string(complexity)),
		attribute.Int("routing.matches", len(matches)),
		attribute.String("routing.primary_model", d.PrimaryModel),
	)
	r.logger.Debug("query routed",
		"pattern", d.Pattern,
		"complexity", complexity,
		"matches", len(matches),
		"primary_model", d.PrimaryModel,
	)
	return d
}

func choosePattern(matchCount int, complexity classify.Complexity) Pattern {
	switch {
	case matchCount > 2 || (matchCount > 0 && complexity == classify.High):
		return MixtureOfExperts
	case matchCount == 2:
		return SequentialChaining
	case matchCount == 1:
		return RouterBased
	default:
		return SystemPrompt
	}
}

// modelsFor returns each matched domain's designated model, first-seen order,
// without duplicates. Domains without a teacher model contribute the fallback.
func (r *Router) modelsFor(matches []classify.Match) []string {
	models := []string{}
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		model := r.fallbackModel
		if d, ok := r.classifier.Domain(m.Domain); ok && d.DesignatedModel() != "" {
			model = d.DesignatedModel()
		}
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		models = append(models, model)
	}
	return models
}
