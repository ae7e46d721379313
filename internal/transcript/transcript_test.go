package transcript

import (
	"testing"

	"github.com/talaria-ai/talaria/internal/transcript/phonetic"
	"github.com/talaria-ai/talaria/pkg/types"
)

func newTestCorrector(vocab ...string) *Corrector {
	c := NewCorrector(phonetic.New())
	c.SetVocabulary(vocab)
	return c
}

func TestCorrect_FixesMisheardTerm(t *testing.T) {
	c := newTestCorrector("Talaria", "Kubernetes")

	res := c.Correct(types.Transcript{Text: "how do I deploy tell aria"})
	if res.Text != "how do I deploy Talaria" {
		t.Errorf("Text = %q, want corrected term", res.Text)
	}
	if len(res.Corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(res.Corrections))
	}
	got := res.Corrections[0]
	if got.Original != "tell aria" || got.Corrected != "Talaria" {
		t.Errorf("correction = %+v", got)
	}
	if got.Confidence <= 0 {
		t.Errorf("Confidence = %v, want > 0", got.Confidence)
	}
}

func TestCorrect_MultiWordTermWinsOverSingleWord(t *testing.T) {
	c := newTestCorrector("Atlas", "Atlas Gateway")

	res := c.Correct(types.Transcript{Text: "restart the atlas gate way now"})
	if res.Text != "restart the Atlas Gateway now" {
		t.Errorf("Text = %q, want multi-word term applied", res.Text)
	}
}

func TestCorrect_ExactMatchIsNotRecorded(t *testing.T) {
	c := newTestCorrector("Talaria")

	res := c.Correct(types.Transcript{Text: "Talaria is running"})
	if len(res.Corrections) != 0 {
		t.Errorf("corrections = %v, exact matches must not be recorded", res.Corrections)
	}
}

func TestCorrect_UnrelatedTextPassesThrough(t *testing.T) {
	c := newTestCorrector("Talaria")

	const in = "what time is it"
	res := c.Correct(types.Transcript{Text: in})
	if res.Text != in {
		t.Errorf("Text = %q, want unchanged %q", res.Text, in)
	}
}

func TestCorrect_EmptyVocabulary(t *testing.T) {
	c := NewCorrector(nil)

	const in = "anything at all"
	res := c.Correct(types.Transcript{Text: in})
	if res.Text != in {
		t.Errorf("Text = %q, want unchanged", res.Text)
	}
}

func TestSetVocabulary_ReplacesTermsAtomically(t *testing.T) {
	c := newTestCorrector("Alpha")
	if c.VocabularySize() != 1 {
		t.Fatalf("size = %d, want 1", c.VocabularySize())
	}
	c.SetVocabulary([]string{"Beta", "Gamma", "  ", ""})
	if c.VocabularySize() != 2 {
		t.Errorf("size = %d, want 2 (blank terms dropped)", c.VocabularySize())
	}
}
