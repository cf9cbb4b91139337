package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/thread"
)

// MemoryStore keeps messages in process memory. It backs development runs
// and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*chat.Message
	tokens   map[tokenKey]string
	order    []string
}

type tokenKey struct {
	sender string
	token  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*chat.Message),
		tokens:   make(map[tokenKey]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

func (s *MemoryStore) Save(_ context.Context, msg *chat.Message) (*chat.Message, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{sender: msg.SenderID, token: msg.IdempotencyToken}
	if id, ok := s.tokens[key]; ok {
		return copyOf(s.messages[id]), nil
	}
	if _, ok := s.messages[msg.ID]; ok {
		return nil, ErrInvalid
	}

	stored := copyOf(msg)
	stored.SentAt = stored.SentAt.UTC()
	s.messages[stored.ID] = stored
	s.tokens[key] = stored.ID
	s.order = append(s.order, stored.ID)

	return copyOf(stored), nil
}

func (s *MemoryStore) FindByIdempotencyToken(_ context.Context, senderID, token string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[tokenKey{sender: senderID, token: token}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(s.messages[id]), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(msg), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status delivery.Status, at time.Time) (*chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	changed, err := msg.Apply(status, at)
	if err != nil {
		return copyOf(msg), false, err
	}
	return copyOf(msg), changed, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, by string, at time.Time) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.SenderID != by {
		return nil, ErrNotSender
	}
	if _, err := msg.Apply(delivery.StatusDeleted, at); err != nil {
		return copyOf(msg), err
	}
	return copyOf(msg), nil
}

func (s *MemoryStore) ListThread(_ context.Context, userID, otherUserID, contextRef string, limit int) ([]chat.Message, error) {
	threadID, err := thread.Resolve(userID, otherUserID, contextRef)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for _, id := range s.order {
		if msg := s.messages[id]; msg.ThreadID == threadID {
			out = append(out, *copyOf(msg))
		}
	}
	sortMessages(out)

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ListPending(_ context.Context, recipientID string, after Cursor, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.RecipientID == recipientID && msg.Status == delivery.StatusSent && after.precedes(msg) {
			out = append(out, *copyOf(msg))
		}
	}
	sortMessages(out)

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListThreads(_ context.Context, userID string) ([]chat.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]*chat.Thread)
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.SenderID != userID && msg.RecipientID != userID {
			continue
		}
		t, ok := byID[msg.ThreadID]
		if !ok {
			key, err := thread.Parse(msg.ThreadID)
			if err != nil {
				continue
			}
			t = &chat.Thread{ID: msg.ThreadID, Participants: [2]string{key.A, key.B}, ContextRef: key.ContextRef}
			byID[msg.ThreadID] = t
		}
		if t.LastMessage == nil || later(msg, t.LastMessage) {
			t.LastMessage = copyOf(msg)
			t.LastActivity = msg.SentAt
		}
		if unread(msg, userID) {
			t.Unread++
		}
	}

	threads := make([]chat.Thread, 0, len(byID))
	for _, t := range byID {
		threads = append(threads, *t)
	}
	sortThreads(threads)
	return threads, nil
}

func (s *MemoryStore) MarkThreadRead(_ context.Context, userID, threadID string, at time.Time) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []chat.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.ThreadID != threadID || !unread(msg, userID) {
			continue
		}
		if ok, err := msg.Apply(delivery.StatusRead, at); err == nil && ok {
			changed = append(changed, *copyOf(msg))
		}
	}
	sortMessages(changed)
	return changed, nil
}

func copyOf(msg *chat.Message) *chat.Message {
	c := *msg
	if msg.DeliveredAt != nil {
		t := *msg.DeliveredAt
		c.DeliveredAt = &t
	}
	if msg.ReadAt != nil {
		t := *msg.ReadAt
		c.ReadAt = &t
	}
	return &c
}

func later(a, b *chat.Message) bool {
	if a.SentAt.Equal(b.SentAt) {
		return a.ID > b.ID
	}
	return a.SentAt.After(b.SentAt)
}

func sortMessages(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return later(&msgs[j], &msgs[i])
	})
}
