// internal/id/id.go

package id

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// alphabet is URL-safe and unambiguous; 62 symbols gives ~5.95 bits per char.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultLength is the length of IDs produced by New.
const DefaultLength = 12

// New returns a cryptographically random short ID, suitable for entity IDs,
// dedupe keys, and correlation IDs.
func New() string {
	s, err := NewWithLength(DefaultLength)
	if err != nil {
		// crypto/rand failing means the process has no usable entropy source;
		// nothing sensible can continue from here.
		panic(fmt.Sprintf("id: reading random bytes: %v", err))
	}
	return s
}

// NewWithLength returns a cryptographically random ID of n characters.
func NewWithLength(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("id length must be positive, got %d", n)
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}

	return string(out), nil
}

// NewConnectionID returns a UUID string identifying a single client connection.
func NewConnectionID() string {
	return uuid.NewString()
}
