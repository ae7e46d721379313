package guard

import (
	"regexp"
	"strings"
)

// piiPattern pairs a detector regex with its classification.
type piiPattern struct {
	kind     string
	severity Severity
	score    float64
	re       *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{
		kind:     "email",
		severity: SeverityWarning,
		score:    0.9,
		re:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	{
		kind:     "phone",
		severity: SeverityWarning,
		score:    0.6,
		re:       regexp.MustCompile(`(?:\+?\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`),
	},
	{
		kind:     "ssn",
		severity: SeverityCritical,
		score:    0.85,
		re:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		kind:     "ipv4",
		severity: SeverityInfo,
		score:    0.5,
		re:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	},
}

// cardCandidate matches digit runs that could be payment card numbers;
// candidates are confirmed with a Luhn check before being reported.
var cardCandidate = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)

// PIIChecker detects personally identifiable information with regular
// expressions plus a Luhn checksum for payment cards.
type PIIChecker struct {
	// ScoreThreshold drops findings scoring below it.
	ScoreThreshold float64
}

var _ Checker = (*PIIChecker)(nil)

// Name implements [Checker].
func (c *PIIChecker) Name() string { return "pii" }

// Check implements [Checker].
func (c *PIIChecker) Check(text string) []Finding {
	var findings []Finding
	for _, p := range piiPatterns {
		if !p.re.MatchString(text) || p.score < c.ScoreThreshold {
			continue
		}
		findings = append(findings, Finding{
			Category: c.Name(),
			Kind:     p.kind,
			Severity: p.severity,
			Score:    p.score,
		})
	}

	for _, candidate := range cardCandidate.FindAllString(text, -1) {
		if luhnValid(candidate) {
			if 0.95 >= c.ScoreThreshold {
				findings = append(findings, Finding{
					Category: c.Name(),
					Kind:     "credit_card",
					Severity: SeverityCritical,
					Score:    0.95,
				})
			}
			break
		}
	}
	return findings
}

// Sanitize implements [Sanitizer]: every detected span is replaced with its
// entity kind in brackets, e.g. "[email]". Masking ignores ScoreThreshold;
// a span too weak to flag is still not worth leaking.
func (c *PIIChecker) Sanitize(text string) (string, bool) {
	out := text
	for _, p := range piiPatterns {
		out = p.re.ReplaceAllString(out, "["+p.kind+"]")
	}
	out = cardCandidate.ReplaceAllStringFunc(out, func(m string) string {
		if luhnValid(m) {
			return "[credit_card]"
		}
		return m
	})
	return out, out != text
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		} else if !strings.ContainsRune(" -", r) {
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
