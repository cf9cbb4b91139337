// Package protocol defines the frames exchanged between devices and the gateway.
// Every frame is an envelope {type, payload, idempotencyToken}; payloads form a
// closed set of types and anything outside it is rejected at decode time.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
)

type FrameType string

const (
	FramePrivateMessage FrameType = "private_message"
	FrameRoomMessage    FrameType = "room_message"
	FrameTyping         FrameType = "typing"
	FrameReadReceipt    FrameType = "read_receipt"
	FrameHeartbeat      FrameType = "heartbeat"
	FrameSubscribe      FrameType = "subscribe"
	FrameUnsubscribe    FrameType = "unsubscribe"
	FrameError          FrameType = "error"
	FrameAck            FrameType = "ack"
)

const (
	DefaultMaxContentLength = 4000
	maxRoomNameLength       = 128
	maxReceiptBatch         = 100
)

// Frame is the wire envelope.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"idempotencyToken,omitempty"`
}

// Limits bounds inbound payloads.
type Limits struct {
	MaxContentLength int
}

func (l Limits) maxContent() int {
	if l.MaxContentLength <= 0 {
		return DefaultMaxContentLength
	}
	return l.MaxContentLength
}

// Payload is implemented only by the types in this package.
type Payload interface {
	FrameType() FrameType
	validate(limits Limits, token string) error
}

// PrivateMessage is sent by a device to address one user.
type PrivateMessage struct {
	To         string           `json:"to"`
	Content    string           `json:"content"`
	Type       chat.MessageType `json:"type,omitempty"`
	ContextRef string           `json:"contextRef,omitempty"`
}

// MessageDelivery carries a persisted message to its recipient and to the
// sender's other devices. It travels as a private_message frame.
type MessageDelivery struct {
	Message chat.Message `json:"message"`
}

// RoomMessage is a broadcast to every connection subscribed to Room.
type RoomMessage struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	From  string          `json:"from,omitempty"`
}

// Typing is best effort: never persisted, never retried.
type Typing struct {
	To         string `json:"to"`
	ContextRef string `json:"contextRef,omitempty"`
	Active     bool   `json:"active"`
	From       string `json:"from,omitempty"`
}

// ReadReceipt moves messages forward. Devices send delivered or read; the
// gateway reuses the frame to tell senders about any state change.
type ReadReceipt struct {
	MessageIDs []string        `json:"messageIds"`
	Status     delivery.Status `json:"status"`
	ThreadID   string          `json:"threadId,omitempty"`
	By         string          `json:"by,omitempty"`
	At         time.Time       `json:"at,omitempty"`
}

type Heartbeat struct {
	At time.Time `json:"at"`
}

type Subscribe struct {
	Room string `json:"room"`
}

type Unsubscribe struct {
	Room string `json:"room"`
}

// Ack confirms that the frame carrying Token was handled durably.
type Ack struct {
	Token     string          `json:"token"`
	MessageID string          `json:"messageId,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
	Status    delivery.Status `json:"status,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// ErrorFrame reports a rejected frame or a failed operation.
type ErrorFrame struct {
	Kind      Kind        `json:"kind"`
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	Token     string      `json:"token,omitempty"`
}

func (*PrivateMessage) FrameType() FrameType  { return FramePrivateMessage }
func (*MessageDelivery) FrameType() FrameType { return FramePrivateMessage }
func (*RoomMessage) FrameType() FrameType     { return FrameRoomMessage }
func (*Typing) FrameType() FrameType          { return FrameTyping }
func (*ReadReceipt) FrameType() FrameType     { return FrameReadReceipt }
func (*Heartbeat) FrameType() FrameType       { return FrameHeartbeat }
func (*Subscribe) FrameType() FrameType       { return FrameSubscribe }
func (*Unsubscribe) FrameType() FrameType     { return FrameUnsubscribe }
func (*Ack) FrameType() FrameType             { return FrameAck }
func (*ErrorFrame) FrameType() FrameType      { return FrameError }

func (p *PrivateMessage) validate(limits Limits, token string) error {
	if token == "" {
		return Validation("private_message requires an idempotency token")
	}
	if strings.TrimSpace(p.To) == "" {
		return Validation("recipient is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return Validation("message content is empty")
	}
	if len(p.Content) > limits.maxContent() {
		return TooLarge("message content is too long").WithDetails(map[string]int{"max": limits.maxContent()})
	}
	if p.Type == "" {
		p.Type = chat.TypeText
	}
	if !p.Type.Valid() {
		return Validation("unknown message type").WithDetails(map[string]string{"type": string(p.Type)})
	}
	return nil
}

func (p *RoomMessage) validate(limits Limits, _ string) error {
	if err := validRoom(p.Room); err != nil {
		return err
	}
	if p.Event == "" {
		return Validation("room event name is required")
	}
	if len(p.Data) > limits.maxContent() {
		return TooLarge("room payload is too long").WithDetails(map[string]int{"max": limits.maxContent()})
	}
	return nil
}

func (p *Typing) validate(_ Limits, _ string) error {
	if strings.TrimSpace(p.To) == "" {
		return Validation("typing recipient is required")
	}
	return nil
}

func (p *ReadReceipt) validate(_ Limits, _ string) error {
	if len(p.MessageIDs) == 0 {
		return Validation("receipt names no messages")
	}
	if len(p.MessageIDs) > maxReceiptBatch {
		return TooLarge("too many messages in one receipt").WithDetails(map[string]int{"max": maxReceiptBatch})
	}
	if p.Status != delivery.StatusDelivered && p.Status != delivery.StatusRead {
		return Validation("receipt status must be delivered or read")
	}
	return nil
}

func (p *Heartbeat) validate(_ Limits, _ string) error {
	return nil
}

func (p *Subscribe) validate(_ Limits, _ string) error {
	return validRoom(p.Room)
}

func (p *Unsubscribe) validate(_ Limits, _ string) error {
	return validRoom(p.Room)
}

func (p *MessageDelivery) validate(_ Limits, _ string) error { return nil }
func (p *Ack) validate(_ Limits, _ string) error             { return nil }
func (p *ErrorFrame) validate(_ Limits, _ string) error      { return nil }

func validRoom(room string) error {
	if room == "" {
		return Validation("room is required")
	}
	if len(room) > maxRoomNameLength || strings.ContainsAny(room, " \t\r\n") {
		return Validation("invalid room name").WithDetails(map[string]string{"room": room})
	}
	return nil
}
