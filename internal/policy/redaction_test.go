package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +63 (917) 123-9876 and use 4242 4242 4242 4242. Plate ABC 1234."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_PLATE]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesLawReferences(t *testing.T) {
	input := "What does RA 10586 say about a BAC of 0.05%?"
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true, want false (out=%q)", out)
	}
}

func TestLogPreview(t *testing.T) {
	got := LogPreview("contact  me\nat sam@example.com please", 0)
	if got != "contact me at [REDACTED_EMAIL] please" {
		t.Fatalf("LogPreview() = %q", got)
	}
	got = LogPreview("abcdefghij", 4)
	if got != "abcd…" {
		t.Fatalf("LogPreview() truncated = %q, want %q", got, "abcd…")
	}
}
