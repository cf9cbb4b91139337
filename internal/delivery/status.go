// Package delivery holds the lifecycle of a single chat message:
// sent, delivered, read, with failed and deleted as terminal states.
// It performs no I/O; persistence layers call Advance before writing.
package delivery

import (
	"errors"
	"fmt"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// ErrInvalidTransition is returned when a move between two states is not allowed.
var ErrInvalidTransition = errors.New("invalid delivery transition")

var rank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusDeleted
}

// CanTransition reports whether a message in state s may move to next.
// Moving to the current state is allowed and is a no-op.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch next {
	case StatusFailed:
		return s == StatusSent
	case StatusDeleted:
		return s != StatusFailed
	}
	if s.Terminal() {
		return false
	}

	// sent -> read is accepted; a read receipt implies delivery.
	return rank[next] > rank[s]
}

// Advance returns the state a message in current ends up in after next is applied.
func Advance(current, next Status) (Status, error) {
	if !current.CanTransition(next) {
		return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return next, nil
}

// Changed reports whether applying next to current would alter the stored state.
func Changed(current, next Status) bool {
	return current != next && current.CanTransition(next)
}
