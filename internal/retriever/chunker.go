package retriever

import "strings"

// Chunker splits documents into overlapping text chunks sized for
// embedding models. Splits prefer paragraph boundaries, falling back to a
// hard character cut for oversized paragraphs. Q&A-structured documents
// (Q:/A: pairs) chunk one pair per chunk with no overlap, so a question
// and its answer always retrieve together.
type Chunker struct {
	// MaxChars is the upper bound per chunk. Defaults to 1200 (~300 tokens).
	MaxChars int

	// OverlapChars is how much trailing text of one chunk is repeated at
	// the start of the next, so facts near boundaries survive retrieval.
	// Defaults to 150.
	OverlapChars int
}

const (
	defaultMaxChars     = 1200
	defaultOverlapChars = 150
)

// Split breaks text into chunks. Whitespace-only input yields no chunks.
func (c Chunker) Split(text string) []string {
	if qa := splitQA(text); qa != nil {
		return qa
	}

	maxChars := c.MaxChars
	if maxChars < 1 {
		maxChars = defaultMaxChars
	}
	overlap := c.OverlapChars
	if overlap < 0 || overlap >= maxChars {
		overlap = defaultOverlapChars
		if overlap >= maxChars {
			overlap = maxChars / 4
		}
	}

	var (
		chunks  []string
		current strings.Builder
		seedLen int // length of the overlap seed at the start of current
	)

	flush := func() {
		s := strings.TrimSpace(current.String())
		current.Reset()
		seedLen = 0
		if s == "" {
			return
		}
		chunks = append(chunks, s)
		// Seed the next chunk with the tail of this one.
		if overlap > 0 && len(s) > overlap {
			current.WriteString(s[len(s)-overlap:])
			current.WriteString("\n")
			seedLen = current.Len()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// Hard-split paragraphs that alone exceed the bound.
		for len(para) > maxChars {
			if current.Len() > seedLen {
				flush()
			}
			cut := maxChars - current.Len()
			if cut <= 0 {
				cut = maxChars
			}
			// Back up to a space when possible so words stay whole.
			if idx := strings.LastIndexByte(para[:cut], ' '); idx > cut/2 {
				cut = idx
			}
			current.WriteString(para[:cut])
			flush()
			para = strings.TrimSpace(para[cut:])
		}
		if para == "" {
			continue
		}

		if current.Len()+len(para)+2 > maxChars && current.Len() > seedLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	// Emit the remainder only if it holds more than the seeded overlap.
	if current.Len() > seedLen {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
	}
	return chunks
}

// splitQA emits one chunk per Q:/A: pair and nil for non-Q&A documents.
// A document qualifies when its first non-empty line starts with "Q:" and
// at least one line starts with "A:".
func splitQA(text string) []string {
	lines := strings.Split(text, "\n")

	first, hasAnswer := "", false
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			continue
		}
		if first == "" {
			first = t
		}
		if strings.HasPrefix(t, "A:") {
			hasAnswer = true
			break
		}
	}
	if !strings.HasPrefix(first, "Q:") || !hasAnswer {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, "Q:") {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(t)
	}
	flush()
	return chunks
}
