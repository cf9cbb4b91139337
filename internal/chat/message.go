// Package chat defines the entities exchanged by the realtime core.
package chat

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/founditure/realtime/internal/delivery"
)

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == TypeText || t == TypeImage || t == TypeSystem
}

// RedactedContent replaces the body of a deleted message.
const RedactedContent = ""

// Message is immutable after it is sent, except for Status, the receipt
// timestamps and redaction on delete.
type Message struct {
	ID               string          `json:"id"`
	SenderID         string          `json:"senderId"`
	RecipientID      string          `json:"recipientId"`
	ThreadID         string          `json:"threadId"`
	ContextRef       string          `json:"contextRef,omitempty"`
	Content          string          `json:"content"`
	Type             MessageType     `json:"type"`
	Status           delivery.Status `json:"status"`
	SentAt           time.Time       `json:"sentAt"`
	DeliveredAt      *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time      `json:"readAt,omitempty"`
	IdempotencyToken string          `json:"idempotencyToken"`
}

// NewID returns a lexically time-ordered message id.
func NewID() string {
	return ulid.Make().String()
}

// Apply moves the message to status and stamps the matching timestamp.
// It returns false when the transition is a no-op.
func (m *Message) Apply(status delivery.Status, at time.Time) (bool, error) {
	next, err := delivery.Advance(m.Status, status)
	if err != nil {
		return false, err
	}
	if next == m.Status {
		return false, nil
	}
	at = at.UTC()
	switch next {
	case delivery.StatusDelivered:
		m.DeliveredAt = &at
	case delivery.StatusRead:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
		m.ReadAt = &at
	case delivery.StatusDeleted:
		m.Content = RedactedContent
	}
	m.Status = next
	return true, nil
}

// Thread summarises one conversation from the point of view of a participant.
type Thread struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	ContextRef   string    `json:"contextRef,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	Unread       int       `json:"unread"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
}
