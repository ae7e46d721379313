package guard

import "strings"

// toxicLexicon maps lowercase terms to weights in (0, 1]. The score of a
// text is the maximum weight among matched terms, scaled up slightly when
// several distinct terms co-occur.
var toxicLexicon = map[string]float64{
	"idiot":    0.5,
	"stupid":   0.45,
	"moron":    0.55,
	"hate you": 0.6,
	"shut up":  0.4,
	"worthless": 0.6,
	"kill yourself": 1.0,
	"kys":           1.0,
	"die in a":      0.9,
	"go to hell":    0.65,
	"pathetic":      0.45,
	"loser":         0.45,
	"garbage human":  0.8,
	"waste of space": 0.7,
}

// coOccurrenceBonus is added per additional matched term beyond the first.
const coOccurrenceBonus = 0.1

// ToxicityChecker scores text against a weighted lexicon of hostile
// language. It is deliberately lightweight — a model-based classifier can
// replace it behind the same [Checker] interface.
type ToxicityChecker struct {
	// Threshold is the minimum score that produces a finding.
	Threshold float64
}

var _ Checker = (*ToxicityChecker)(nil)

// Name implements [Checker].
func (c *ToxicityChecker) Name() string { return "toxicity" }

// Check implements [Checker].
func (c *ToxicityChecker) Check(text string) []Finding {
	lowered := strings.ToLower(text)

	maxWeight := 0.0
	matches := 0
	for term, weight := range toxicLexicon {
		if strings.Contains(lowered, term) {
			matches++
			if weight > maxWeight {
				maxWeight = weight
			}
		}
	}
	if matches == 0 {
		return nil
	}

	score := maxWeight + float64(matches-1)*coOccurrenceBonus
	if score > 1 {
		score = 1
	}
	if score < c.Threshold {
		return nil
	}

	severity := SeverityWarning
	if score >= 0.9 {
		severity = SeverityCritical
	}
	return []Finding{{
		Category: c.Name(),
		Kind:     "lexicon",
		Severity: severity,
		Score:    score,
	}}
}
