// Package phonetic matches misheard words against a known vocabulary using
// Double Metaphone codes for candidate filtering and Jaro-Winkler similarity
// for ranking.
//
// Speech recognition reliably fumbles domain terms that never appear in the
// recogniser's language model — product names, project codenames, internal
// acronyms. Those terms do appear in the knowledge base, so the matcher takes
// the harvested vocabulary and re-aligns recognised words with it by
// pronunciation: a term becomes a candidate when it shares a Metaphone code
// with the input, and the candidate with the highest Jaro-Winkler score above
// the threshold wins. When nothing matches phonetically, a stricter pure
// string-similarity pass catches spelling-level near misses.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for accepting a
// phonetically-matched term. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the fallback
// pass when no phonetic candidate exists. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher aligns words with a vocabulary by pronunciation similarity.
// Read-only after construction; safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the supplied options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the vocabulary term most phonetically similar to word.
// word may be a space-separated phrase; phrases are compared whole, both as
// written and with spaces stripped, so word-boundary mistakes ("tell aria"
// for "Talaria", "data dog" for "Datadog") still align. Individual tokens of
// a phrase never match on their own: a phrase is only as similar as its
// entirety.
//
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	if len(vocabulary) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordJoined := strings.Join(strings.Fields(wordLower), "")
	inputCodes := metaphoneCodes(wordJoined)

	var (
		bestTerm     string
		bestScore    float64
		bestPhonetic bool
	)
	for _, term := range vocabulary {
		termLower := strings.ToLower(strings.TrimSpace(term))
		if termLower == "" {
			continue
		}
		termJoined := strings.Join(strings.Fields(termLower), "")

		phonetic := codesOverlap(inputCodes, metaphoneCodes(termJoined))
		score := similarity(wordLower, termLower, wordJoined, termJoined)

		switch {
		case phonetic && score >= m.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				bestTerm, bestScore, bestPhonetic = term, score, true
			}
		case !phonetic && !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore:
			bestTerm, bestScore = term, score
		}
	}

	if bestTerm == "" {
		return word, 0, false
	}
	return bestTerm, bestScore, true
}

// metaphoneCodes returns the Double Metaphone codes of the space-stripped
// phrase. Encoding the phrase whole keeps a shared token ("atlas" in "the
// atlas") from counting as a phonetic match for the full term.
func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(s)
	if primary != "" {
		codes[primary] = struct{}{}
	}
	if secondary != "" {
		codes[secondary] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the better Jaro-Winkler score of the full strings and the
// space-stripped strings. The latter handles word-boundary mistakes
// ("data dog" vs "Datadog").
func similarity(inputFull, termFull, inputJoined, termJoined string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if s := matchr.JaroWinkler(inputJoined, termJoined, false); s > score {
		score = s
	}
	return score
}
