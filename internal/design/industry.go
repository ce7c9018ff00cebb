package design

import (
	"fmt"
	"math"
	"strings"

	"sitebuilder/internal/config"
)

// DefaultIndustry is reported when no keyword matches.
const DefaultIndustry = "default"

// Industry is the detected business vertical.
type Industry struct {
	Detected   string  `json:"detected"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// DetectIndustry scores each industry by the number of its keywords found as
// whole words in text. The first industry in table order wins ties.
func DetectIndustry(text string, table []config.IndustryRule) Industry {
	norm := normalize(text)

	best := -1
	bestScore := 0
	var bestMatches []string
	for i, ind := range table {
		var matches []string
		seen := make(map[string]bool)
		for _, kw := range ind.Keywords {
			k := strings.ToLower(kw)
			if seen[k] {
				continue
			}
			seen[k] = true
			if containsTerm(norm, k) {
				matches = append(matches, kw)
			}
		}
		if len(matches) > bestScore {
			best, bestScore, bestMatches = i, len(matches), matches
		}
	}

	if best < 0 {
		return Industry{Detected: DefaultIndustry, Confidence: 0, Reasoning: "no industry keyword found"}
	}
	return Industry{
		Detected:   table[best].Name,
		Confidence: math.Min(float64(bestScore)/3, 1),
		Reasoning:  fmt.Sprintf("matched keywords: %s", strings.Join(bestMatches, ", ")),
	}
}
