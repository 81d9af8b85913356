package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/tellus/internal/engine"
)

const outputRules = `Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown. Set "quality" to your own estimate, between 0 and 1, of how complete and correct the output is.`

var systemPrompts = map[Task]string{
	ExtractKnowledge:  `You are a domain knowledge extraction engine for an environmental intelligence assistant. From the source snippets, extract the core concepts, the relationships between them, the standard procedures practitioners follow, and the domain terminology.`,
	BuildKnowledgeMap: `You are a knowledge architect. Organize the extracted domain knowledge into a map of topics. Each topic has a short summary and the names of related topics. Cover every concept at least once.`,
	GenerateDataset:   `You are a training data author. Write question and answer pairs that a domain specialist assistant must answer well. Questions should resemble what dashboard users ask; answers must be factual, concise and grounded in the knowledge map.`,
	DistillModel:      `You are a distillation evaluator. Given a training dataset summary for a specialist model, estimate the accuracy a compact model trained on it would reach on in-domain questions, between 0 and 1. Be conservative.`,
	ValidateModel:     `You are a validation judge. Score the specialist model description against its domain on three axes between 0 and 1: domain_accuracy, response_coherence and factual_consistency. Be strict: 0.8 or above means ready to deploy.`,
}

// BuildPrompt returns the chat messages for a teacher task. The payload is
// embedded as indented JSON after the domain header.
func BuildPrompt(task Task, domain string, payload any) ([]engine.Message, error) {
	system, ok := systemPrompts[task]
	if !ok {
		return nil, fmt.Errorf("unknown teacher task %q", task)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n", domain)
	if payload != nil {
		b, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", task, err)
		}
		fmt.Fprintf(&sb, "\nInput:\n%s\n", b)
	}

	return []engine.Message{
		{Role: "system", Content: system + "\n\n" + outputRules},
		{Role: "user", Content: sb.String()},
	}, nil
}

// SchemaFor returns the structured output schema of a teacher task.
func SchemaFor(task Task) *engine.Schema {
	strs := func(desc string) *engine.Schema { return engine.ArrayOf(engine.Prim("string", desc)) }
	score := func(desc string) *engine.Schema { return engine.Prim("number", desc) }
	quality := score("Self-assessed output quality between 0 and 1")

	switch task {
	case ExtractKnowledge:
		return engine.Object(map[string]*engine.Schema{
			"concepts":      strs("Core domain concepts"),
			"relationships": strs("Relationships between concepts, one sentence each"),
			"procedures":    strs("Standard procedures or methods"),
			"terminology":   strs("Domain terms"),
			"quality":       quality,
		})
	case BuildKnowledgeMap:
		return engine.Object(map[string]*engine.Schema{
			"topics": engine.ArrayOf(engine.Object(map[string]*engine.Schema{
				"name":    engine.Prim("string", "Topic name"),
				"summary": engine.Prim("string", "One-paragraph summary"),
				"related": strs("Names of related topics"),
			})),
			"quality": quality,
		})
	case GenerateDataset:
		return engine.Object(map[string]*engine.Schema{
			"pairs": engine.ArrayOf(engine.Object(map[string]*engine.Schema{
				"question": engine.Prim("string", ""),
				"answer":   engine.Prim("string", ""),
			})),
			"quality": quality,
		})
	case DistillModel:
		return engine.Object(map[string]*engine.Schema{
			"accuracy": score("Estimated in-domain accuracy between 0 and 1"),
			"notes":    engine.Prim("string", "Short rationale"),
			"quality":  quality,
		})
	case ValidateModel:
		return engine.Object(map[string]*engine.Schema{
			"domain_accuracy":     score(""),
			"response_coherence":  score(""),
			"factual_consistency": score(""),
			"quality":             quality,
		})
	}
	return nil
}
