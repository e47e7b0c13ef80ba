// Package identity issues the opaque per-connection identifiers used across the relay.
package identity

import "github.com/google/uuid"

// ConnectionID identifies one client connection for its whole lifetime.
// IDs are never reused within a server process.
type ConnectionID string

// String returns the ID in its wire form.
func (id ConnectionID) String() string {
	return string(id)
}

// Generator issues connection identifiers.
//
// Implementations MUST be safe for concurrent use.
type Generator interface {
	// Issue returns a new identifier.
	//
	// Postcondition: the result is non-empty and distinct from every prior result.
	Issue() ConnectionID
}

type uuidGenerator struct{}

// NewGenerator returns a Generator backed by random (version 4) UUIDs.
//
// Postcondition: collision probability per pair of IDs is 2^-122.
func NewGenerator() Generator {
	return uuidGenerator{}
}

// Issue returns a fresh UUIDv4 in canonical string form.
func (uuidGenerator) Issue() ConnectionID {
	return ConnectionID(uuid.NewString())
}
