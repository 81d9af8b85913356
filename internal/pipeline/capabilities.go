package pipeline

var capabilityTable = map[string][]string{
	"meteorology": {"weather pattern analysis", "precipitation forecasting", "severe weather alerts", "climate trend interpretation"},
	"agriculture": {"crop yield estimation", "soil health assessment", "irrigation scheduling", "drought impact analysis"},
	"hydrology":   {"river flow monitoring", "flood risk assessment", "groundwater level analysis", "watershed modeling"},
	"ecology":     {"biodiversity assessment", "habitat mapping", "species distribution analysis", "ecosystem health monitoring"},
	"air_quality": {"pollutant level monitoring", "air quality index interpretation", "emission source analysis", "health advisory generation"},
}

const crossDomainCapability = "cross-domain synthesis"

// Capabilities returns the fixed capability set for the task domains, in
// domain order without duplicates. Unknown domains get a generic entry.
// Multi-domain tasks also get cross-domain synthesis.
func Capabilities(domains []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, d := range domains {
		caps, ok := capabilityTable[d]
		if !ok {
			add("general " + d + " question answering")
			continue
		}
		for _, c := range caps {
			add(c)
		}
	}
	if len(domains) > 1 {
		add(crossDomainCapability)
	}
	return out
}
