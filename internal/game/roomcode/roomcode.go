// Package roomcode generates the short, shareable codes clients use to find a room.
package roomcode

import (
	"errors"
	"fmt"
)

// Alphabet is the set of characters a code is drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// DefaultLength is the number of characters in a generated code.
	DefaultLength = 5
	// DefaultMaxAttempts bounds regeneration on collision.
	DefaultMaxAttempts = 16
)

// ErrCodeSpaceExhausted is returned by Reserve when every attempt collided with a live code.
var ErrCodeSpaceExhausted = errors.New("no free room code")

// Generator produces room codes of a fixed length.
type Generator struct {
	src         Source
	length      int
	maxAttempts int
}

// NewGenerator creates a Generator.
//
// Precondition: src must be non-nil. length and maxAttempts values < 1 fall back to the defaults.
// Postcondition: Every code returned has exactly length characters from Alphabet.
func NewGenerator(src Source, length, maxAttempts int) *Generator {
	if length < 1 {
		length = DefaultLength
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{src: src, length: length, maxAttempts: maxAttempts}
}

// Generate returns a code whose characters are chosen independently and uniformly.
// It does not check uniqueness; use Reserve for that.
func (g *Generator) Generate() string {
	b := make([]byte, g.length)
	for i := range b {
		b[i] = Alphabet[g.src.Intn(len(Alphabet))]
	}
	return string(b)
}

// Reserve generates codes until taken reports one as free.
//
// Precondition: taken must be non-nil and must not block.
// Postcondition: Returns a code for which taken returned false, or ErrCodeSpaceExhausted
// after maxAttempts collisions.
func (g *Generator) Reserve(taken func(code string) bool) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code := g.Generate()
		if !taken(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, g.maxAttempts)
}
