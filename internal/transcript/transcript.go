// Package transcript corrects speech-to-text output against the knowledge
// base vocabulary before a transcript enters a conversation turn.
//
// The corrector is purely phonetic (see [phonetic.Matcher]) and runs
// in-process with no network calls, so it sits directly in the realtime path
// between transcription and the turn orchestrator. The vocabulary is swapped
// atomically whenever the knowledge base is re-ingested.
package transcript

import (
	"strings"
	"sync"

	"github.com/talaria-ai/talaria/internal/transcript/phonetic"
	"github.com/talaria-ai/talaria/pkg/types"
)

// Correction records one substitution made while correcting a transcript.
type Correction struct {
	// Original is the phrase as recognised by the STT provider.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the similarity score behind the substitution (0.0-1.0).
	Confidence float64
}

// Result pairs the corrected text with the substitutions that produced it.
type Result struct {
	// Text is the transcript with all corrections applied.
	Text string

	// Corrections lists every substitution, in transcript order. Empty when
	// the transcript needed no correction.
	Corrections []Correction
}

// Corrector aligns recognised words with the knowledge-base vocabulary.
// All exported methods are safe for concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher

	mu       sync.RWMutex
	vocab    []string
	maxWords int
}

// NewCorrector creates a [Corrector] with an empty vocabulary. A nil matcher
// gets default thresholds.
func NewCorrector(matcher *phonetic.Matcher) *Corrector {
	if matcher == nil {
		matcher = phonetic.New()
	}
	return &Corrector{matcher: matcher}
}

// SetVocabulary replaces the correction vocabulary, typically with the terms
// harvested during knowledge-base ingestion.
func (c *Corrector) SetVocabulary(terms []string) {
	vocab := make([]string, 0, len(terms))
	maxWords := 0
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		vocab = append(vocab, t)
		if n := len(strings.Fields(t)); n > maxWords {
			maxWords = n
		}
	}

	c.mu.Lock()
	c.vocab = vocab
	c.maxWords = maxWords
	c.mu.Unlock()
}

// VocabularySize reports the number of active vocabulary terms.
func (c *Corrector) VocabularySize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vocab)
}

// Correct re-aligns the transcript text with the vocabulary. At every token
// position it scores n-gram windows up to one word longer than the longest
// vocabulary term, since STT splits unknown terms into extra words ("tell
// aria" for "Talaria"). The highest-confidence window wins; on equal
// confidence the longer window is kept, so a full multi-word term beats a
// partial single-word match.
func (c *Corrector) Correct(t types.Transcript) Result {
	c.mu.RLock()
	vocab, maxWords := c.vocab, c.maxWords
	c.mu.RUnlock()

	tokens := strings.Fields(t.Text)
	if len(tokens) == 0 || len(vocab) == 0 {
		return Result{Text: t.Text}
	}

	var (
		output      []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		windowMax := maxWords + 1
		if rest := len(tokens) - i; windowMax > rest {
			windowMax = rest
		}

		var (
			bestN      int
			bestTerm   string
			bestWindow string
			bestScore  float64
		)
		for n := windowMax; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, confidence, ok := c.matcher.Match(window, vocab)
			if ok && confidence > bestScore {
				bestN, bestTerm, bestWindow, bestScore = n, term, window, confidence
			}
		}
		if bestN == 0 {
			output = append(output, tokens[i])
			i++
			continue
		}

		output = append(output, strings.Fields(bestTerm)...)
		if !strings.EqualFold(bestWindow, bestTerm) {
			corrections = append(corrections, Correction{
				Original:   bestWindow,
				Corrected:  bestTerm,
				Confidence: bestScore,
			})
		}
		i += bestN
	}

	return Result{Text: strings.Join(output, " "), Corrections: corrections}
}
