// Package policy holds the guardrails applied to text before it is stored:
// conversation turns and extracted memories never persist raw contact or
// payment details.
package policy

import "regexp"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: card numbers must be masked before the phone rule can
// mistake them for phone numbers.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns. The second return reports
// whether anything was changed.
func RedactPII(input string) (string, bool) {
	out := input
	changed := false
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.replacement)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
