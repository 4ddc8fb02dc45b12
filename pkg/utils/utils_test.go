package utils

import (
	"regexp"
	"strings"
	"testing"
)

var codePattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)

func TestGenerateSessionCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code := GenerateSessionCode()
		if !codePattern.MatchString(code) {
			t.Fatalf("code %q does not match AAA999 shape", code)
		}
		seen[code] = true
	}
	if len(seen) < 150 {
		t.Errorf("expected mostly distinct codes, got %d of 200", len(seen))
	}
}

func TestHashPassword(t *testing.T) {
	if HashPassword("") != "" {
		t.Error("empty password must hash to empty string")
	}

	h := HashPassword("secret")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if h != HashPassword("secret") {
		t.Error("hash must be deterministic")
	}
	if h == HashPassword("Secret") {
		t.Error("different passwords must hash differently")
	}
	// sha256("secret")
	if h != "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b" {
		t.Errorf("unexpected digest %s", h)
	}
}

func TestGenerateRequestID(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == b {
		t.Error("expected different request IDs")
	}
	if !strings.HasPrefix(a, "req_") {
		t.Errorf("expected prefix 'req_', got %s", a)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "laptop", "laptop"},
		{"with control chars", "lap\x00top", "laptop"},
		{"with newline", "lap\ntop", "laptop"},
		{"with whitespace", "  laptop  ", "laptop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeString(tt.input); got != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTruncateAndMask(t *testing.T) {
	if got := TruncateString("hello world", 5); got != "he..." {
		t.Errorf("TruncateString = %q", got)
	}
	if got := TruncateString("hi", 5); got != "hi" {
		t.Errorf("TruncateString = %q", got)
	}
	if got := MaskSensitive("abcdef", 2); got != "ab****" {
		t.Errorf("MaskSensitive = %q", got)
	}
	if got := MaskSensitive("ab", 4); got != "**" {
		t.Errorf("MaskSensitive = %q", got)
	}
}
