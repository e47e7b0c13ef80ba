// Package room maps room codes to the connections that are members of each room.
package room

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cory-johannsen/relay/internal/game/identity"
)

var (
	// ErrRoomNotFound is returned when no live room has the requested code.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned by Create when the code is already live.
	ErrRoomExists = errors.New("room already exists")
	// ErrAlreadyMember is returned by Join when the connection is already a member.
	ErrAlreadyMember = errors.New("already a member of room")
)

// Normalize returns the canonical form of a room code: surrounding whitespace
// trimmed, upper-cased. Every Table entry point normalizes its argument, so
// lookups ignore case and stray padding.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Room is a live group of connections. Members are held by ID only; the
// connection itself belongs to the transport.
type Room struct {
	// Code is the normalized room code.
	Code string
	// CreatedAt is when the room was created.
	CreatedAt time.Time
	// Started reports whether start_game has been sent to the room.
	Started bool

	members map[identity.ConnectionID]struct{}
	order   []identity.ConnectionID
}

// Size returns the number of members.
func (r *Room) Size() int {
	return len(r.order)
}

// Has reports whether id is a member.
func (r *Room) Has(id identity.ConnectionID) bool {
	_, ok := r.members[id]
	return ok
}

func (r *Room) add(id identity.ConnectionID) {
	r.members[id] = struct{}{}
	r.order = append(r.order, id)
}

func (r *Room) remove(id identity.ConnectionID) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Table holds every live room.
//
// Invariant: no room in the table has zero members.
// Table is not safe for concurrent use; the owner serializes access.
type Table struct {
	rooms map[string]*Room
	now   func() time.Time
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

// Create registers a new room whose sole member is creator.
//
// Precondition: code and creator must be non-empty.
// Postcondition: Returns the new Room, or ErrRoomExists without touching the live room.
func (t *Table) Create(code string, creator identity.ConnectionID) (*Room, error) {
	code = Normalize(code)
	if _, exists := t.rooms[code]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, code)
	}
	r := &Room{
		Code:      code,
		CreatedAt: t.now(),
		members:   make(map[identity.ConnectionID]struct{}),
	}
	r.add(creator)
	t.rooms[code] = r
	return r, nil
}

// Join adds id to the room with the given code.
//
// Postcondition: Returns the Room, ErrRoomNotFound, or ErrAlreadyMember.
func (t *Table) Join(code string, id identity.ConnectionID) (*Room, error) {
	code = Normalize(code)
	r, ok := t.rooms[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	if r.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, code)
	}
	r.add(id)
	return r, nil
}

// Leave removes id from the room and deletes the room in the same call when it
// becomes empty. Leaving a missing room, or one id is not in, is a no-op.
//
// Postcondition: remaining is the member count after removal; deleted reports
// whether the room was removed from the table.
func (t *Table) Leave(code string, id identity.ConnectionID) (remaining int, deleted bool) {
	code = Normalize(code)
	r, ok := t.rooms[code]
	if !ok {
		return 0, false
	}
	if !r.remove(id) {
		return r.Size(), false
	}
	if r.Size() == 0 {
		delete(t.rooms, code)
		return 0, true
	}
	return r.Size(), false
}

// MembersOf returns the member IDs of the room in join order, omitting except
// when it is non-empty.
//
// Postcondition: Returns nil when the room does not exist.
func (t *Table) MembersOf(code string, except identity.ConnectionID) []identity.ConnectionID {
	r, ok := t.rooms[Normalize(code)]
	if !ok {
		return nil
	}
	out := make([]identity.ConnectionID, 0, r.Size())
	for _, id := range r.order {
		if except != "" && id == except {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Exists reports whether a room with the given code is live.
func (t *Table) Exists(code string) bool {
	_, ok := t.rooms[Normalize(code)]
	return ok
}

// MarkStarted records that start_game has been sent to the room.
//
// Postcondition: Returns true only on the call that flipped Started from false.
func (t *Table) MarkStarted(code string) bool {
	r, ok := t.rooms[Normalize(code)]
	if !ok || r.Started {
		return false
	}
	r.Started = true
	return true
}

// Count returns the number of live rooms.
func (t *Table) Count() int {
	return len(t.rooms)
}
