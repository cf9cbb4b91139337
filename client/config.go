// Package client is the device side of the realtime gateway: a connection
// controller that reconnects with bounded backoff and an offline outbox that
// replays unacknowledged frames in order.
package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/protocol"
)

// TokenSource returns the identity token for the next handshake. It is
// called before every connection attempt so expired tokens can be refreshed.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Handlers are called from the controller's goroutines and must not block.
type Handlers struct {
	OnStateChange func(State)
	OnMessage     func(chat.Message)
	OnReceipt     func(protocol.ReadReceipt)
	OnRoomMessage func(protocol.RoomMessage)
	OnTyping      func(protocol.Typing)
	OnAck         func(protocol.Ack)

	// OnRejected reports an outbox entry the gateway refused permanently.
	// The entry has already been removed.
	OnRejected func(Entry, *protocol.Error)

	// OnError reports error frames that match no pending entry, such as a
	// fan-out failure after a message was already acknowledged.
	OnError func(*protocol.Error)

	// OnFailure is the persistent-failure signal: retries have stopped
	// until Resume is called.
	OnFailure func(error)
}

type Config struct {
	// UserID is the identity the token belongs to. Messages addressed to it
	// are acknowledged as delivered automatically.
	UserID string
	Token  TokenSource

	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds the wait for the gateway's heartbeat reply.
	HeartbeatTimeout time.Duration
	// AckTimeout bounds the wait for the ack of one outbox entry before it
	// is sent again with the same token.
	AckTimeout time.Duration
	// RetryDelay paces resends after a temporary rejection.
	RetryDelay   time.Duration
	WriteTimeout time.Duration

	Backoff     Backoff
	MaxAttempts int

	Dialer   *websocket.Dialer
	Store    OutboxStore
	Logger   zerolog.Logger
	Handlers Handlers
}

// DefaultConfig matches the gateway's default heartbeat of 25s.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		AckTimeout:        10 * time.Second,
		RetryDelay:        time.Second,
		WriteTimeout:      10 * time.Second,
		Backoff:           Backoff{Base: time.Second, Max: 30 * time.Second},
		MaxAttempts:       10,
		Dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Logger:            zerolog.Nop(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Dialer == nil {
		c.Dialer = d.Dialer
	}
	if c.Store == nil {
		c.Store = NewMemoryOutboxStore()
	}
}
