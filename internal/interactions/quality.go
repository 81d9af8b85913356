package interactions

const (
	positiveQuality = 0.9
	negativeQuality = 0.2
	// substantialResponse is the response length above which an unrated
	// answer is assumed useful.
	substantialResponse = 100
)

// QualityScore estimates response quality in [0,1]. Explicit feedback wins;
// without it a substantial response scores 0.7 and a short one 0.5.
func QualityScore(fb Feedback, responseChars int) float64 {
	switch fb {
	case Positive:
		return positiveQuality
	case Negative:
		return negativeQuality
	}
	if responseChars > substantialResponse {
		return 0.7
	}
	return 0.5
}
