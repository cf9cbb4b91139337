// Package thread derives conversation identifiers from a participant pair
// and an optional context reference such as a listing id.
package thread

import (
	"errors"
	"net/url"
	"strings"
)

const prefix = "dm"

var (
	ErrMissingParticipant = errors.New("thread: participant id is required")
	ErrSameParticipant    = errors.New("thread: participants must differ")
	ErrMalformedID        = errors.New("thread: malformed thread id")
)

// Key is the canonical form of a thread: A sorts before B.
type Key struct {
	A          string
	B          string
	ContextRef string
}

// NewKey orders the two participants so that either side builds the same key.
func NewKey(participant, other, contextRef string) (Key, error) {
	if participant == "" || other == "" {
		return Key{}, ErrMissingParticipant
	}
	if participant == other {
		return Key{}, ErrSameParticipant
	}
	if other < participant {
		participant, other = other, participant
	}
	return Key{A: participant, B: other, ContextRef: contextRef}, nil
}

// Resolve returns the thread id shared by both participants.
func Resolve(participant, other, contextRef string) (string, error) {
	key, err := NewKey(participant, other, contextRef)
	if err != nil {
		return "", err
	}
	return key.ID(), nil
}

// ID renders the key. Parts are escaped so ids containing ':' cannot collide.
func (k Key) ID() string {
	parts := []string{prefix, url.QueryEscape(k.A), url.QueryEscape(k.B)}
	if k.ContextRef != "" {
		parts = append(parts, url.QueryEscape(k.ContextRef))
	}
	return strings.Join(parts, ":")
}

// Has reports whether userID is one of the two participants.
func (k Key) Has(userID string) bool {
	return userID != "" && (k.A == userID || k.B == userID)
}

// Peer returns the participant that is not userID.
func (k Key) Peer(userID string) (string, bool) {
	switch userID {
	case k.A:
		return k.B, true
	case k.B:
		return k.A, true
	}
	return "", false
}

// Parse reverses ID.
func Parse(id string) (Key, error) {
	parts := strings.Split(id, ":")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != prefix {
		return Key{}, ErrMalformedID
	}
	decoded := make([]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		value, err := url.QueryUnescape(part)
		if err != nil {
			return Key{}, ErrMalformedID
		}
		decoded = append(decoded, value)
	}
	var contextRef string
	if len(decoded) == 3 {
		contextRef = decoded[2]
	}
	key, err := NewKey(decoded[0], decoded[1], contextRef)
	if err != nil {
		return Key{}, err
	}
	if key.ID() != id {
		return Key{}, ErrMalformedID
	}
	return key, nil
}
