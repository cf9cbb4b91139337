package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/founditure/realtime/internal/protocol"
)

var (
	// ErrAckTimeout is returned by a SendFunc when no ack arrived in time.
	ErrAckTimeout = errors.New("client: ack timeout")
	ErrEmpty      = errors.New("client: outbox is empty")
)

// Entry is one frame waiting for the gateway's ack of its token.
type Entry struct {
	Token      string             `json:"token"`
	Type       protocol.FrameType `json:"type"`
	Payload    json.RawMessage    `json:"payload"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
	Attempts   int                `json:"attempts"`
}

// Frame renders the entry for the wire.
func (e Entry) Frame() ([]byte, error) {
	return json.Marshal(protocol.Frame{Type: e.Type, Payload: e.Payload, Token: e.Token})
}

// OutboxStore keeps entries in enqueue order.
type OutboxStore interface {
	Append(ctx context.Context, e Entry) error
	// Peek returns the oldest entry, or ErrEmpty.
	Peek(ctx context.Context) (Entry, error)
	Remove(ctx context.Context, token string) error
	IncrementAttempts(ctx context.Context, token string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// SendFunc writes one entry and waits for its ack. It returns ErrAckTimeout
// when the ack does not arrive, a *protocol.Error when the gateway rejected
// the frame, and any other error when the connection is gone.
type SendFunc func(ctx context.Context, e Entry) (*protocol.Ack, error)

// RejectFunc is told about entries dropped after a permanent rejection.
type RejectFunc func(e Entry, err *protocol.Error)

// Outbox is the durable queue of frames the gateway has not acknowledged.
// Entries leave the queue only when their own token is acknowledged or
// permanently rejected.
type Outbox struct {
	store      OutboxStore
	retryDelay time.Duration
	now        func() time.Time

	// draining serialises Drain so replay order holds.
	draining sync.Mutex
}

func NewOutbox(store OutboxStore, retryDelay time.Duration) *Outbox {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Outbox{store: store, retryDelay: retryDelay, now: time.Now}
}

// Enqueue assigns a fresh idempotency token to payload and appends it.
// The token is returned before anything is sent.
func (o *Outbox) Enqueue(ctx context.Context, payload protocol.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", protocol.Wrap(err, "failed to marshal outbox payload")
	}
	e := Entry{
		Token:      uuid.NewString(),
		Type:       payload.FrameType(),
		Payload:    body,
		EnqueuedAt: o.now().UTC(),
	}
	if err := o.store.Append(ctx, e); err != nil {
		return "", err
	}
	return e.Token, nil
}

func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return o.store.List(ctx)
}

// Drain sends entries oldest first, one at a time, until the outbox is
// empty or a send fails for a reason other than a timeout or rejection.
// An entry whose send is interrupted stays at the head of the queue.
func (o *Outbox) Drain(ctx context.Context, send SendFunc, reject RejectFunc) error {
	o.draining.Lock()
	defer o.draining.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := o.store.Peek(ctx)
		if errors.Is(err, ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = send(ctx, e)

		var rejected *protocol.Error
		switch {
		case err == nil:
			if err := o.store.Remove(ctx, e.Token); err != nil {
				return err
			}

		case errors.Is(err, ErrAckTimeout):
			if err := o.store.IncrementAttempts(ctx, e.Token); err != nil {
				return err
			}

		case errors.As(err, &rejected) && !rejected.Temporary:
			if err := o.store.Remove(ctx, e.Token); err != nil {
				return err
			}
			if reject != nil {
				reject(e, rejected)
			}

		case rejected != nil:
			if err := o.store.IncrementAttempts(ctx, e.Token); err != nil {
				return err
			}
			timer := time.NewTimer(o.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

		default:
			return err
		}
	}
}
