package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "write to maria.rossi@example.com please", "[REDACTED_EMAIL]"},
		{"phone", "call me at +1 (555) 123-4567 tomorrow", "[REDACTED_PHONE]"},
		{"card", "her card was 4111 1111 1111 1111 I think", "[REDACTED_CARD]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, changed := RedactPII(tc.in)
			if !changed {
				t.Fatal("changed = false")
			}
			if !strings.Contains(out, tc.want) {
				t.Errorf("RedactPII(%q) = %q, want to contain %s", tc.in, out, tc.want)
			}
		})
	}
}

func TestRedactPIICardBeforePhone(t *testing.T) {
	out, _ := RedactPII("number 4111111111111111 here")
	if strings.Contains(out, "[REDACTED_PHONE]") {
		t.Errorf("card classified as phone: %q", out)
	}
	if !strings.Contains(out, "[REDACTED_CARD]") {
		t.Errorf("card not masked: %q", out)
	}
}

func TestRedactPIICleanTextUntouched(t *testing.T) {
	in := "we walked along the beach and talked for hours"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Errorf("clean text modified: %q -> %q (changed=%v)", in, out, changed)
	}
}
