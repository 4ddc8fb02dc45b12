package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// SessionCodeRegex accepts the uppercase alphanumeric codes hosts share.
	SessionCodeRegex = regexp.MustCompile(`^[A-Z0-9]{3,16}$`)

	// PasswordHashRegex accepts hex digests (md5 through sha512).
	PasswordHashRegex = regexp.MustCompile(`^[a-fA-F0-9]{32,128}$`)

	// PeerIDRegex validates relay peer ids
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateSessionCode validates an already normalized session code.
func ValidateSessionCode(code string) error {
	if code == "" {
		return fmt.Errorf("session code is required")
	}
	if !SessionCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid session code %q (3-16 uppercase letters or digits)", code)
	}
	return nil
}

// ValidateEndpoint checks the opaque host endpoint. It may be host:port or
// a logical name, so only emptiness, length and control characters matter.
func ValidateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if len(endpoint) > 255 {
		return fmt.Errorf("endpoint is too long (max 255 characters)")
	}
	if strings.ContainsAny(endpoint, "\r\n\t\x00") {
		return fmt.Errorf("endpoint contains control characters")
	}
	return nil
}

// ValidatePasswordHash allows the empty hash (open session).
func ValidatePasswordHash(hash string) error {
	if hash == "" {
		return nil
	}
	if !PasswordHashRegex.MatchString(hash) {
		return fmt.Errorf("password hash must be a hex digest")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

func ValidateViewerName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("viewer name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 64 {
		return fmt.Errorf("viewer name is too long (max 64 characters)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateQuality validates an encoder quality value.
func ValidateQuality(quality int) error {
	if quality < 1 || quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100")
	}
	return nil
}

// ValidateMaxViewers validates a viewer cap; 0 means unlimited.
func ValidateMaxViewers(maxViewers int) error {
	if maxViewers < 0 {
		return fmt.Errorf("max viewers must be >= 0")
	}
	if maxViewers > 1000 {
		return fmt.Errorf("max viewers is too high (max 1000)")
	}
	return nil
}
