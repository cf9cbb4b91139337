// Package registry tracks which live connections this process holds for each
// user and which connections are subscribed to each room. It is the only
// state shared between connection goroutines.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownHandle   = errors.New("registry: unknown connection handle")
	ErrDuplicateHandle = errors.New("registry: connection handle already registered")
	ErrInvalidHandle   = errors.New("registry: invalid connection handle")
)

// Handle is one live transport connection owned by this process.
// Send must not block on network I/O.
type Handle interface {
	ID() string
	UserID() string
	Send(frame []byte, critical bool) error
	Close()
}

type RegistrationResult struct {
	UserID       string
	HandleID     string
	Connections  int
	FirstForUser bool
	RegisteredAt time.Time
}

// Departure describes what Unregister removed. Found is false when the handle
// was already gone, which makes a second Unregister a no-op.
type Departure struct {
	UserID      string
	HandleID    string
	Rooms       []string
	LastForUser bool
	Found       bool
}

type entry struct {
	handle       Handle
	rooms        map[string]struct{}
	registeredAt time.Time
}

type Registry struct {
	mu      sync.RWMutex
	handles map[string]*entry
	users   map[string]map[string]Handle
	rooms   map[string]map[string]Handle
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*entry),
		users:   make(map[string]map[string]Handle),
		rooms:   make(map[string]map[string]Handle),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register records h as a live connection of userID.
func (r *Registry) Register(userID string, h Handle) (RegistrationResult, error) {
	if h == nil || h.ID() == "" || userID == "" {
		return RegistrationResult{}, ErrInvalidHandle
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[h.ID()]; exists {
		return RegistrationResult{}, ErrDuplicateHandle
	}
	r.handles[h.ID()] = &entry{handle: h, rooms: make(map[string]struct{}), registeredAt: now}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]Handle)
		r.users[userID] = set
	}
	set[h.ID()] = h

	return RegistrationResult{
		UserID:       userID,
		HandleID:     h.ID(),
		Connections:  len(set),
		FirstForUser: len(set) == 1,
		RegisteredAt: now,
	}, nil
}

// Unregister removes h from its user and from every room it joined.
// Calling it more than once is safe.
func (r *Registry) Unregister(h Handle) Departure {
	if h == nil {
		return Departure{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[h.ID()]
	if !ok {
		return Departure{HandleID: h.ID(), UserID: h.UserID()}
	}
	delete(r.handles, h.ID())

	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
		r.removeFromRoom(room, h.ID())
	}

	userID := e.handle.UserID()
	last := false
	if set, ok := r.users[userID]; ok {
		delete(set, h.ID())
		if len(set) == 0 {
			delete(r.users, userID)
			last = true
		}
	}
	return Departure{UserID: userID, HandleID: h.ID(), Rooms: rooms, LastForUser: last, Found: true}
}

// HandlesFor returns a snapshot of the user's live connections.
func (r *Registry) HandlesFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return snapshot(r.users[userID])
}

// JoinRoom subscribes h to room. Joining twice is a no-op.
func (r *Registry) JoinRoom(h Handle, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(h)
	if !ok {
		r.logger.Warn().Str("room", room).Msg("join for unknown connection ignored")
		return ErrUnknownHandle
	}
	e.rooms[room] = struct{}{}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Handle)
		r.rooms[room] = members
	}
	members[h.ID()] = h
	return nil
}

// LeaveRoom unsubscribes h from room.
func (r *Registry) LeaveRoom(h Handle, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(h)
	if !ok {
		r.logger.Warn().Str("room", room).Msg("leave for unknown connection ignored")
		return ErrUnknownHandle
	}
	delete(e.rooms, room)
	r.removeFromRoom(room, h.ID())
	return nil
}

// HandlesInRoom returns a snapshot of the room's local subscribers.
func (r *Registry) HandlesInRoom(room string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return snapshot(r.rooms[room])
}

// Rooms lists the rooms h has joined.
func (r *Registry) Rooms(h Handle) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.lookup(h)
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Online reports whether this process holds a connection for userID.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[userID]) > 0
}

// Len is the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handles)
}

// All returns every live connection, for shutdown.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.handles))
	for _, e := range r.handles {
		handles = append(handles, e.handle)
	}
	return handles
}

func (r *Registry) lookup(h Handle) (*entry, bool) {
	if h == nil {
		return nil, false
	}
	e, ok := r.handles[h.ID()]
	return e, ok
}

func (r *Registry) removeFromRoom(room, handleID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, handleID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func snapshot(set map[string]Handle) []Handle {
	handles := make([]Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	return handles
}
