// Package session provides the per-connection outbound queue that decouples room
// fan-out from network writes.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/relay/internal/game/identity"
)

var (
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("outbox closed")
	// ErrFull is returned by Push when the buffer has no free slot, and by every
	// Push after that. A peer that missed a frame cannot resynchronize.
	ErrFull = errors.New("outbox buffer full")
)

// DefaultBufferSize is the Outbox capacity used when none is configured.
const DefaultBufferSize = 64

// Sink accepts encoded frames destined for one connection.
//
// Implementations MUST NOT block in Push. A Sink that returns ErrFull must see
// its connection dropped, since the peer's view is no longer consistent.
type Sink interface {
	Push(data []byte) error
	Close() error
}

// Outbox is a bounded, non-blocking Sink read by the connection's write pump.
//
// The first failed Push latches the outbox into the overflowed state and closes
// the Overflowed channel; the owner of the socket is expected to drop the peer.
type Outbox struct {
	owner      identity.ConnectionID
	events     chan []byte
	overflow   chan struct{}
	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// NewOutbox creates an Outbox with the given capacity.
//
// Postcondition: Returns an open Outbox; bufferSize <= 0 selects DefaultBufferSize.
func NewOutbox(bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Outbox{
		events:   make(chan []byte, bufferSize),
		overflow: make(chan struct{}),
	}
}

// Bind records the connection the outbox delivers to, for error messages.
func (o *Outbox) Bind(id identity.ConnectionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owner = id
}

// Push enqueues data without blocking.
//
// Postcondition: data is queued, or ErrClosed / ErrFull is returned and data is
// dropped. Once ErrFull has been returned, nothing more is queued.
func (o *Outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("%w: %s", ErrClosed, o.owner)
	}
	if o.overflowed {
		return fmt.Errorf("%w: %s", ErrFull, o.owner)
	}
	select {
	case o.events <- data:
		return nil
	default:
		o.overflowed = true
		close(o.overflow)
		return fmt.Errorf("%w: %s", ErrFull, o.owner)
	}
}

// Overflowed is closed the first time Push finds the buffer full.
func (o *Outbox) Overflowed() <-chan struct{} {
	return o.overflow
}

// Events returns the channel the write pump drains. It is closed by Close.
func (o *Outbox) Events() <-chan []byte {
	return o.events
}

// Close stops accepting frames and closes the events channel. Frames already
// queued remain readable. Close is idempotent.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}
