package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionCode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"letters and digits", "ABC123", false},
		{"digits only", "000111", false},
		{"minimum length", "AB1", false},
		{"empty", "", true},
		{"lowercase", "abc123", true},
		{"too short", "AB", true},
		{"too long", strings.Repeat("A", 17), true},
		{"punctuation", "ABC-12", true},
		{"space", "ABC 12", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionCode(tt.code)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionCode(%q) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{"host port", "192.168.1.20:5000", false},
		{"logical name", "relay:peer-1", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"newline", "host\n:5000", true},
		{"too long", strings.Repeat("h", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpoint(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePasswordHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"empty means open", "", false},
		{"sha256 hex", strings.Repeat("ab", 32), false},
		{"md5 hex", strings.Repeat("0f", 16), false},
		{"plaintext", "hunter2", true},
		{"not hex", strings.Repeat("zz", 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePasswordHash(tt.hash)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePasswordHash(%q) error = %v, wantErr %v", tt.hash, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"wss://relay.example.com/ws", false},
		{"", true},
		{"ftp://example.com", true},
		{"http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateQualityAndViewers(t *testing.T) {
	if err := ValidateQuality(50); err != nil {
		t.Errorf("quality 50 should be valid: %v", err)
	}
	if err := ValidateQuality(0); err == nil {
		t.Error("quality 0 should be rejected")
	}
	if err := ValidateQuality(101); err == nil {
		t.Error("quality 101 should be rejected")
	}
	if err := ValidateMaxViewers(0); err != nil {
		t.Errorf("0 viewers means unlimited: %v", err)
	}
	if err := ValidateMaxViewers(-1); err == nil {
		t.Error("negative viewers should be rejected")
	}
}

func TestValidatePeerIDAndViewerName(t *testing.T) {
	if err := ValidatePeerID("2b1c-44_a"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePeerID("bad id"); err == nil {
		t.Error("space in peer id should be rejected")
	}
	if err := ValidateViewerName(strings.Repeat("x", 65)); err == nil {
		t.Error("long viewer name should be rejected")
	}
	if err := ValidateViewerName(""); err != nil {
		t.Errorf("empty viewer name is allowed: %v", err)
	}
}
