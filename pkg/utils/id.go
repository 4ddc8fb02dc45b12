package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

const (
	codeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeDigits  = "0123456789"
)

// GenerateSessionCode returns three uppercase letters followed by three
// digits, e.g. "KQZ407". Uniqueness is the caller's concern.
func GenerateSessionCode() string {
	b := make([]byte, 0, 6)
	for i := 0; i < 3; i++ {
		b = append(b, codeLetters[randIndex(len(codeLetters))])
	}
	for i := 0; i < 3; i++ {
		b = append(b, codeDigits[randIndex(len(codeDigits))])
	}
	return string(b)
}

// HashPassword produces the hex sha256 digest peers exchange instead of the
// plaintext. An empty password yields an empty hash (open session).
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}
