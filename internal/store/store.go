// Package store persists chat messages. The gateway and the REST surface
// share one MessageStore so both paths see the same idempotency and delivery
// state rules.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
)

var (
	ErrNotFound  = errors.New("store: message not found")
	ErrNotSender = errors.New("store: only the sender may delete a message")
	ErrInvalid   = errors.New("store: invalid message")
)

const DefaultListLimit = 50

// MessageStore is implemented by MemoryStore and PostgresStore.
type MessageStore interface {
	Ping(ctx context.Context) error
	Close()

	// Save persists msg. If the sender already stored a message with the
	// same idempotency token, the stored message is returned instead and
	// nothing is written; callers detect this by comparing ids.
	Save(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	FindByIdempotencyToken(ctx context.Context, senderID, token string) (*chat.Message, error)
	Get(ctx context.Context, id string) (*chat.Message, error)

	// UpdateStatus applies a delivery transition. changed is false when the
	// message was already in status.
	UpdateStatus(ctx context.Context, id string, status delivery.Status, at time.Time) (msg *chat.Message, changed bool, err error)

	// Delete redacts a message on behalf of its sender.
	Delete(ctx context.Context, id, by string, at time.Time) (*chat.Message, error)

	// ListThread returns the most recent limit messages between two users,
	// oldest first.
	ListThread(ctx context.Context, userID, otherUserID, contextRef string, limit int) ([]chat.Message, error)

	// ListPending returns messages addressed to recipientID still in sent,
	// oldest first, starting strictly after the cursor.
	ListPending(ctx context.Context, recipientID string, after Cursor, limit int) ([]chat.Message, error)

	ListThreads(ctx context.Context, userID string) ([]chat.Thread, error)

	// MarkThreadRead moves every unread message addressed to userID in the
	// thread to read and returns the messages that changed.
	MarkThreadRead(ctx context.Context, userID, threadID string, at time.Time) ([]chat.Message, error)
}

// Cursor is a position in (sent_at, id) order. The zero Cursor is the start.
type Cursor struct {
	SentAt time.Time
	ID     string
}

// CursorAfter returns the position just past msg.
func CursorAfter(msg chat.Message) Cursor {
	return Cursor{SentAt: msg.SentAt, ID: msg.ID}
}

// precedes reports whether msg sorts after the cursor.
func (c Cursor) precedes(msg *chat.Message) bool {
	if c.ID == "" && c.SentAt.IsZero() {
		return true
	}
	return later(msg, &chat.Message{SentAt: c.SentAt, ID: c.ID})
}

func validate(msg *chat.Message) error {
	if msg == nil || msg.ID == "" || msg.SenderID == "" || msg.RecipientID == "" || msg.ThreadID == "" {
		return ErrInvalid
	}
	if msg.IdempotencyToken == "" {
		return ErrInvalid
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}

func unread(msg *chat.Message, userID string) bool {
	return msg.RecipientID == userID && (msg.Status == delivery.StatusSent || msg.Status == delivery.StatusDelivered)
}

func sortThreads(threads []chat.Thread) {
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].LastActivity.Equal(threads[j].LastActivity) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].LastActivity.After(threads[j].LastActivity)
	})
}
