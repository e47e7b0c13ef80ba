// Package player holds the transient per-player state of room-bound connections.
package player

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/relay/internal/game/identity"
)

// ErrDuplicateIdentity is returned by Add when the ID is already registered.
var ErrDuplicateIdentity = errors.New("player already registered")

// Anchor is a fixed spawn coordinate.
type Anchor struct {
	X float64
	Y float64
}

var (
	// LeftAnchor is where the first occupant of a room spawns.
	LeftAnchor = Anchor{X: 550, Y: 300}
	// RightAnchor is where every later occupant spawns.
	RightAnchor = Anchor{X: 700, Y: 300}
)

// SpawnFor returns the spawn anchor for a player joining a room that already holds
// occupancy players.
//
// Only two visual slots exist: a third or later occupant shares RightAnchor.
func SpawnFor(occupancy int) Anchor {
	if occupancy == 0 {
		return LeftAnchor
	}
	return RightAnchor
}

// Player is the wire and registry representation of one room-bound client.
type Player struct {
	ID   identity.ConnectionID `json:"uuid"`
	Room string                `json:"room"`
	X    float64               `json:"x"`
	Y    float64               `json:"y"`
}

// Registry stores players keyed by connection ID and indexes them by room.
//
// Registry is not safe for concurrent use; the owner serializes access.
type Registry struct {
	players map[identity.ConnectionID]*Player
	byRoom  map[string][]identity.ConnectionID // insertion order
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		players: make(map[identity.ConnectionID]*Player),
		byRoom:  make(map[string][]identity.ConnectionID),
	}
}

// Add registers a player in roomCode at the anchor chosen from the room's occupancy
// before insertion.
//
// Precondition: id and roomCode must be non-empty.
// Postcondition: Returns a copy of the stored Player, or ErrDuplicateIdentity.
func (r *Registry) Add(id identity.ConnectionID, roomCode string) (Player, error) {
	if _, exists := r.players[id]; exists {
		return Player{}, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}

	spawn := SpawnFor(len(r.byRoom[roomCode]))
	p := &Player{ID: id, Room: roomCode, X: spawn.X, Y: spawn.Y}
	r.players[id] = p
	r.byRoom[roomCode] = append(r.byRoom[roomCode], id)
	return *p, nil
}

// Update overwrites the player's position.
//
// Postcondition: Returns false and changes nothing when id is not registered.
func (r *Registry) Update(id identity.ConnectionID, x, y float64) bool {
	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.X = x
	p.Y = y
	return true
}

// Remove deletes the player. It is idempotent.
//
// Postcondition: Returns the removed Player and true, or false when absent.
func (r *Registry) Remove(id identity.ConnectionID) (Player, bool) {
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	delete(r.players, id)

	ids := r.byRoom[p.Room]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byRoom, p.Room)
	} else {
		r.byRoom[p.Room] = ids
	}
	return *p, true
}

// Get returns a copy of the player.
func (r *Registry) Get(id identity.ConnectionID) (Player, bool) {
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// ByRoom returns a snapshot of the players in roomCode in join order.
//
// Postcondition: The result is never nil and shares no memory with the registry.
func (r *Registry) ByRoom(roomCode string) []Player {
	ids := r.byRoom[roomCode]
	out := make([]Player, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.players[id])
	}
	return out
}

// Count returns the number of registered players.
func (r *Registry) Count() int {
	return len(r.players)
}
