// Package notify hands push notifications to the external push service.
// Notify is fire-and-forget: callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notification is the job handed to the push worker.
type Notification struct {
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const KindMessage = "message"

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RedisQueue pushes notifications onto a Redis list consumed by the push
// worker.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue push for %s: %w", n.UserID, err)
	}
	return nil
}

// Log writes notifications to the logger. Used in development.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	l.logger.Info().
		Str("user_id", n.UserID).
		Str("kind", n.Kind).
		Str("thread_id", n.ThreadID).
		Str("message_id", n.MessageID).
		Msg("push notification")
	return nil
}

type noop struct{}

func (noop) Notify(context.Context, Notification) error { return nil }

func Noop() Notifier { return noop{} }
