package classify

// Domain is a configured topical category with keyword triggers and the
// teacher models that know it best. TeacherModels[0] is the designated model.
type Domain struct {
	Name           string   `json:"name"`
	Keywords       []string `json:"keywords"`
	TeacherModels  []string `json:"teacher_models"`
	Specialization string   `json:"specialization"`
	Priority       int      `json:"priority"`
	BaseConfidence float64  `json:"base_confidence"`
}

// DesignatedModel returns the first teacher model, or "" if none is configured.
func (d Domain) DesignatedModel() string {
	if len(d.TeacherModels) == 0 {
		return ""
	}
	return d.TeacherModels[0]
}

// DefaultDomains returns the built-in domain table used when the config file
// declares none.
func DefaultDomains() []Domain {
	return []Domain{
		{
			Name:           "meteorology",
			Keywords:       []string{"weather", "forecast", "rain"},
			TeacherModels:  []string{"anthropic/claude-sonnet-4", "llama3.2"},
			Specialization: "weather patterns, forecasting and precipitation",
			Priority:       90,
			BaseConfidence: 1.0,
		},
		{
			Name:           "agriculture",
			Keywords:       []string{"soil", "irrigation", "crop", "harvest", "drought"},
			TeacherModels:  []string{"openai/gpt-4o", "llama3.2"},
			Specialization: "crop management, soil health and irrigation",
			Priority:       80,
			BaseConfidence: 0.9,
		},
		{
			Name:           "hydrology",
			Keywords:       []string{"river", "flood", "groundwater", "moisture"},
			TeacherModels:  []string{"anthropic/claude-sonnet-4"},
			Specialization: "water cycles, river systems and flood risk",
			Priority:       70,
			BaseConfidence: 1.0,
		},
		{
			Name:           "ecology",
			Keywords:       []string{"biodiversity", "species", "habitat", "ecosystem", "wildlife"},
			TeacherModels:  []string{"google/gemini-2.5-pro", "llama3.2"},
			Specialization: "ecosystems, habitats and species distribution",
			Priority:       60,
			BaseConfidence: 0.9,
		},
		{
			Name:           "air_quality",
			Keywords:       []string{"air quality", "pollution", "ozone", "pm2.5", "emissions", "smog"},
			TeacherModels:  []string{"openai/gpt-4o"},
			Specialization: "air pollution, emissions and health indices",
			Priority:       50,
			BaseConfidence: 0.9,
		},
	}
}

// Indicators are the phrase sets that decide query complexity.
type Indicators struct {
	High   []string `json:"high"`
	Medium []string `json:"medium"`
	Low    []string `json:"low"`
}

// DefaultIndicators returns the built-in complexity phrase sets.
func DefaultIndicators() Indicators {
	return Indicators{
		High:   []string{"compare", "analyze", "analyse", "correlation", "trend", "impact", "predict", "relationship", "versus", " vs "},
		Medium: []string{"explain", "how does", "why", "describe", "summarize"},
		Low:    []string{"what is", "show", "list", "current", "today"},
	}
}
