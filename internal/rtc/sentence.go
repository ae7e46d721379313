package rtc

import "strings"

// splitSentences cuts text at '.', '!', or '?' followed by whitespace (or end
// of input), so a reply can be fed to synthesis sentence by sentence. Trailing
// text without a terminator is emitted as a final fragment.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			atEnd := i == len(text)-1
			if !atEnd {
				switch text[i+1] {
				case ' ', '\n', '\r', '\t':
				default:
					continue
				}
			}
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
