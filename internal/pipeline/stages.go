package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tellus/internal/gateway"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/storage"
)

const (
	degradedQuality = 0.5
	// deployThreshold is the exclusive lower bound on domain accuracy.
	deployThreshold = 0.8
	maxSamplePairs  = 10
)

var errValidationFailed = errors.New("validation failed")

func (p *Pipeline) primaryTeacher(t Task) string {
	if len(t.TeacherModels) == 0 {
		return ""
	}
	return t.TeacherModels[0]
}

// judgeTeacher is the last teacher, so validation is done by a different
// model than extraction whenever more than one is configured.
func (p *Pipeline) judgeTeacher(t Task) string {
	if len(t.TeacherModels) == 0 {
		return ""
	}
	return t.TeacherModels[len(t.TeacherModels)-1]
}

// callJSON calls a teacher and decodes its JSON answer into out. Any failure
// is logged and reported as false so the caller can degrade.
func (p *Pipeline) callJSON(ctx context.Context, a *attempt, model string, task gateway.Task, payload, out any) (float64, bool) {
	if model == "" {
		return 0, false
	}
	res, err := p.deps.Teacher.Call(ctx, model, task, a.label, payload)
	if err != nil {
		p.deps.Logger.Warn("teacher call failed, using degraded result", "task", task, "model", model, "error", err)
		return 0, false
	}
	if err := json.Unmarshal([]byte(res.Content), out); err != nil {
		p.deps.Logger.Warn("failed to decode teacher output, using degraded result", "task", task, "model", model, "error", err)
		return 0, false
	}
	return res.Quality, true
}

// extract is stage 1: gather snippets and derive structured knowledge.
func (p *Pipeline) extract(ctx context.Context, a *attempt) (func() error, error) {
	var k Knowledge
	var cached Knowledge
	if loadCheckpoint(p.deps.KV, CheckpointKey(Extract, a.task.TargetModelID), a.task.Version, &cached) && !cached.Degraded {
		return func() error { a.knowledge = cached; return nil }, nil
	}

	var snippets []string
	if p.deps.Knowledge != nil {
		s, err := p.deps.Knowledge.Snippets(ctx, a.task.Domains, a.keywords, p.cfg.SnippetLimit)
		if err != nil {
			p.deps.Logger.Warn("knowledge snippets unavailable", "error", err)
		}
		snippets = s
	}

	payload := map[string]any{
		"domains":         a.task.Domains,
		"specializations": p.specializations(a.task.Domains),
		"keywords":        a.keywords,
		"snippets":        snippets,
	}
	if q, ok := p.callJSON(ctx, a, p.primaryTeacher(a.task), gateway.ExtractKnowledge, payload, &k); ok && len(k.Concepts) > 0 {
		k.Quality = q
	} else {
		k = p.fallbackKnowledge(a)
	}
	k.Sources = len(snippets)

	return func() error {
		if err := p.checkpoint(Extract, a, k.Degraded, k); err != nil {
			return err
		}
		a.knowledge = k
		return nil
	}, nil
}

// checkpoint saves a stage 1-3 output. Degraded output is kept only in the
// attempt and its stale checkpoint is removed, so a later attempt asks the
// teachers again instead of resuming from fallback data.
func (p *Pipeline) checkpoint(stage Stage, a *attempt, degraded bool, v any) error {
	key := CheckpointKey(stage, a.task.TargetModelID)
	if degraded {
		if err := p.deps.KV.Delete(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("removing checkpoint %s: %w", key, err)
		}
		return nil
	}
	return saveCheckpoint(p.deps.KV, key, a.task.Version, p.now(), v)
}

func (p *Pipeline) fallbackKnowledge(a *attempt) Knowledge {
	k := Knowledge{
		Concepts:    append([]string(nil), a.keywords...),
		Terminology: append([]string(nil), a.keywords...),
		Procedures:  p.specializations(a.task.Domains),
		Quality:     degradedQuality,
		Degraded:    true,
	}
	for _, name := range a.task.Domains {
		if d, ok := p.domain(name); ok && len(d.Keywords) > 1 {
			k.Relationships = append(k.Relationships,
				fmt.Sprintf("%s and %s are both aspects of %s", d.Keywords[0], d.Keywords[1], d.Name))
		}
	}
	return k
}

// buildMap is stage 2: ask the primary teacher for a topic map.
func (p *Pipeline) buildMap(ctx context.Context, a *attempt) (func() error, error) {
	var m KnowledgeMap
	var cached KnowledgeMap
	if loadCheckpoint(p.deps.KV, CheckpointKey(Map, a.task.TargetModelID), a.task.Version, &cached) && !cached.Degraded {
		return func() error { a.kmap = cached; return nil }, nil
	}

	if q, ok := p.callJSON(ctx, a, p.primaryTeacher(a.task), gateway.BuildKnowledgeMap, a.knowledge, &m); ok && len(m.Topics) > 0 {
		m.Quality = q
	} else {
		m = fallbackMap(a.knowledge)
	}
	m.Degraded = m.Degraded || a.knowledge.Degraded

	return func() error {
		if err := p.checkpoint(Map, a, m.Degraded, m); err != nil {
			return err
		}
		a.kmap = m
		return nil
	}, nil
}

func fallbackMap(k Knowledge) KnowledgeMap {
	m := KnowledgeMap{Quality: degradedQuality, Degraded: true}
	for i, c := range k.Concepts {
		t := Topic{Name: c, Summary: c}
		if i > 0 {
			t.Related = []string{k.Concepts[i-1]}
		}
		m.Topics = append(m.Topics, t)
	}
	return m
}

// generateDataset is stage 3: every teacher writes QA pairs concurrently;
// results are merged in teacher order and history patterns are appended.
func (p *Pipeline) generateDataset(ctx context.Context, a *attempt) (func() error, error) {
	var set TrainingSet
	var cached TrainingSet
	if loadCheckpoint(p.deps.KV, CheckpointKey(Dataset, a.task.TargetModelID), a.task.Version, &cached) && !cached.Degraded {
		return func() error { a.set = cached; return nil }, nil
	}

	type teacherOut struct {
		pairs    []QAPair
		quality  float64
		degraded bool
	}
	outs := make([]teacherOut, len(a.task.TeacherModels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, model := range a.task.TeacherModels {
		g.Go(func() error {
			var resp struct {
				Pairs []QAPair `json:"pairs"`
			}
			if q, ok := p.callJSON(gctx, a, model, gateway.GenerateDataset, a.kmap, &resp); ok && len(resp.Pairs) > 0 {
				for j := range resp.Pairs {
					resp.Pairs[j].Teacher = model
				}
				outs[i] = teacherOut{pairs: resp.Pairs, quality: q}
				return nil
			}
			outs[i] = teacherOut{pairs: templatePairs(a.label, a.kmap, model), quality: degradedQuality, degraded: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var qsum float64
	set.Degraded = a.kmap.Degraded
	for _, o := range outs {
		set.Pairs = append(set.Pairs, o.pairs...)
		qsum += o.quality
		set.Degraded = set.Degraded || o.degraded
	}
	if len(outs) > 0 {
		set.Quality = qsum / float64(len(outs))
	} else {
		set.Pairs = templatePairs(a.label, a.kmap, "")
		set.Quality = degradedQuality
		set.Degraded = true
	}

	patterns, err := p.interactionPatterns(a.task.Domains)
	if err != nil {
		p.deps.Logger.Warn("interaction history unavailable", "error", err)
	}
	set.Patterns = patterns

	return func() error {
		if err := p.checkpoint(Dataset, a, set.Degraded, set); err != nil {
			return err
		}
		a.set = set
		return nil
	}, nil
}

func templatePairs(label string, m KnowledgeMap, teacher string) []QAPair {
	var pairs []QAPair
	for _, t := range m.Topics {
		pairs = append(pairs, QAPair{
			Question: fmt.Sprintf("What is %s in %s?", t.Name, label),
			Answer:   t.Summary,
			Teacher:  teacher,
		})
	}
	return pairs
}

// interactionPatterns returns history for the domains, keeping only a short
// prefix of each anonymized query.
func (p *Pipeline) interactionPatterns(domains []string) ([]InteractionPattern, error) {
	if p.deps.Interactions == nil {
		return nil, nil
	}
	records, err := p.deps.Interactions.All()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []InteractionPattern
	for _, d := range domains {
		for _, r := range interactions.ForDomain(records, d) {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, InteractionPattern{
				QueryPrefix:    interactions.Prefix(r.AnonymizedQuery, queryPrefixRunes),
				RoutingPattern: string(r.RoutingPattern),
				Quality:        r.QualityScore,
			})
		}
	}
	return out, nil
}

// distill is stage 4: build the model record from the training set.
func (p *Pipeline) distill(ctx context.Context, a *attempt) (func() error, error) {
	texts := make([]string, 0, 2*len(a.set.Pairs)+len(a.set.Patterns))
	for _, pr := range a.set.Pairs {
		texts = append(texts, pr.Question, pr.Answer)
	}
	for _, pt := range a.set.Patterns {
		texts = append(texts, pt.QueryPrefix)
	}
	tokens := 0
	if p.deps.Tokens != nil {
		tokens = p.deps.Tokens.CountAll(texts...)
	}
	caps := Capabilities(a.task.Domains)

	payload := map[string]any{
		"dataset_size":     a.set.Size(),
		"dataset_quality":  a.set.Quality,
		"dataset_tokens":   tokens,
		"capabilities":     caps,
		"sample_questions": sampleQuestions(a.set.Pairs, 5),
	}
	var resp struct {
		Accuracy float64 `json:"accuracy"`
	}
	accuracy := a.set.Quality
	if _, ok := p.callJSON(ctx, a, p.primaryTeacher(a.task), gateway.DistillModel, payload, &resp); ok {
		accuracy = clamp01(resp.Accuracy)
	}

	m := registry.DistilledModel{
		Name:      a.task.TargetModelID,
		Domain:    a.label,
		Version:   a.task.Version,
		CreatedAt: p.now().UTC(),
		TrainingSummary: registry.TrainingSummary{
			DatasetSize:   a.set.Size(),
			QualityScore:  a.set.Quality,
			DatasetTokens: tokens,
		},
		Capabilities: caps,
		Performance: registry.Performance{
			Accuracy:     accuracy,
			LatencyMs:    estimateLatencyMs(tokens),
			SizeEstimate: tokens,
		},
		Status:        registry.NeedsImprovement,
		TeacherModels: append([]string(nil), a.task.TeacherModels...),
	}

	return func() error {
		if err := saveCheckpoint(p.deps.KV, CheckpointKey(Distill, a.task.TargetModelID), a.task.Version, p.now(), m); err != nil {
			return err
		}
		a.model = m
		return nil
	}, nil
}

// estimateLatencyMs grows with the distilled knowledge a specialist carries
// in its prompt.
func estimateLatencyMs(tokens int) int64 {
	return 20 + int64(tokens/500)
}

// validate is stage 5: score the model and set its status.
func (p *Pipeline) validate(ctx context.Context, a *attempt) (func() error, error) {
	payload := map[string]any{
		"model":        a.model,
		"sample_pairs": samplePairs(a.set.Pairs, maxSamplePairs),
	}
	var resp registry.Validation
	if _, ok := p.callJSON(ctx, a, p.judgeTeacher(a.task), gateway.ValidateModel, payload, &resp); ok {
		resp.DomainAccuracy = clamp01(resp.DomainAccuracy)
		resp.ResponseCoherence = clamp01(resp.ResponseCoherence)
		resp.FactualConsistency = clamp01(resp.FactualConsistency)
	} else {
		q := a.set.Quality
		resp = registry.Validation{DomainAccuracy: q, ResponseCoherence: q, FactualConsistency: q}
	}

	m := a.model
	m.Validation = &resp
	m.Status = registry.NeedsImprovement
	if resp.DomainAccuracy > deployThreshold {
		m.Status = registry.Validated
	}

	return func() error {
		if err := saveCheckpoint(p.deps.KV, CheckpointKey(Validate, a.task.TargetModelID), a.task.Version, p.now(), m); err != nil {
			return err
		}
		a.model = m
		return nil
	}, nil
}

// deploy is stage 6: publish a validated model and drop its checkpoints.
func (p *Pipeline) deploy(_ context.Context, a *attempt) (func() error, error) {
	if a.model.Status != registry.Validated {
		return nil, errValidationFailed
	}
	entry := registry.Entry{DistilledModel: a.model}
	return func() error {
		entry.DeployedAt = p.now().UTC()
		if err := p.deps.Registry.Upsert(entry); err != nil {
			return err
		}
		if err := clearCheckpoints(p.deps.KV, a.task.TargetModelID); err != nil {
			p.deps.Logger.Warn("failed to clear checkpoints", "target", a.task.TargetModelID, "error", err)
		}
		return nil
	}, nil
}

func (p *Pipeline) specializations(domains []string) []string {
	var out []string
	for _, name := range domains {
		if d, ok := p.domain(name); ok && d.Specialization != "" {
			out = append(out, d.Specialization)
		}
	}
	return out
}

func sampleQuestions(pairs []QAPair, n int) []string {
	var out []string
	for i := 0; i < len(pairs) && i < n; i++ {
		out = append(out, pairs[i].Question)
	}
	return out
}

func samplePairs(pairs []QAPair, n int) []QAPair {
	if len(pairs) <= n {
		return pairs
	}
	return pairs[:n]
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
