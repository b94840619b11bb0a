package room

import (
	"crypto/rand"
	"fmt"
)

const (
	// CodeAlphabet excludes the look-alikes 0/O and 1/I/l
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// CodeLength is the number of characters in a room code
	CodeLength = 6

	// codeGenRetries bounds collision retries before giving up
	codeGenRetries = 32
)

// GenerateCode returns a uniformly random room code. Codes gate room
// admission, so randomness comes from crypto/rand.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	code := make([]byte, CodeLength)
	for i, b := range buf {
		// The alphabet has 32 symbols, so masking 5 bits keeps the
		// distribution exactly uniform
		code[i] = CodeAlphabet[b&0x1F]
	}
	return string(code), nil
}

// ValidCode reports whether s is a well-formed room code
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !validCodeChar(s[i]) {
			return false
		}
	}
	return true
}

func validCodeChar(c byte) bool {
	for i := 0; i < len(CodeAlphabet); i++ {
		if CodeAlphabet[i] == c {
			return true
		}
	}
	return false
}
