// Package code produces and canonicalizes short human-shareable session codes.
package code

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultLength is the standard session code length.
const DefaultLength = 6

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	mu  sync.Mutex
	rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Generate returns a random alphanumeric token of the given length. No
// uniqueness check happens here; the store enforces uniqueness at insert time.
func Generate(length int) string {
	if length <= 0 {
		length = DefaultLength
	}
	b := make([]byte, length)
	mu.Lock()
	for i := range b {
		b[i] = alphabet[rnd.Intn(len(alphabet))]
	}
	mu.Unlock()
	return string(b)
}

// Normalize strips all whitespace and upper-cases the code. It must be applied
// to both stored codes and user input before any comparison; lookups are
// case-insensitive and whitespace-tolerant.
func Normalize(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) {
			continue
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	return sb.String()
}
