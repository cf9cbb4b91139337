// Package distributed provides the Redis-backed bus and presence used when
// several gateway processes serve the same users.
package distributed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/fanout"
)

const channelSize = 1024

// RedisPubSub implements fanout.PubSub on Redis pattern subscriptions.
// Messages are handed to handlers one at a time in the order Redis delivers
// them, so per-topic publish order is kept. go-redis re-establishes the
// subscription after a dropped connection.
type RedisPubSub struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger

	mu            sync.RWMutex
	subscriptions map[string][]func(topic string, data []byte)
	patterns      map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRedisPubSub pings Redis and starts the receive loop.
func NewRedisPubSub(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pubsubCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:        client,
		logger:        logger.With().Str("component", "redis_pubsub").Logger(),
		subscriptions: make(map[string][]func(topic string, data []byte)),
		patterns:      make(map[string]struct{}),
		ctx:           pubsubCtx,
		cancel:        cancel,
	}

	r.pubsub = client.Subscribe(pubsubCtx)

	r.wg.Add(1)
	go r.handleMessages()

	return r, nil
}

// Subscribe registers a handler. A trailing ".*" becomes a Redis glob.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fanout.ErrClosed
	}

	redisPattern := convertToRedisPattern(pattern)

	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}

	r.subscriptions[pattern] = append(r.subscriptions[pattern], handler)

	return nil
}

func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fanout.ErrClosed
	}
	if _, ok := r.subscriptions[pattern]; !ok {
		return fanout.ErrNotSubscribe
	}

	delete(r.subscriptions, pattern)

	redisPattern := convertToRedisPattern(pattern)
	for p := range r.subscriptions {
		if convertToRedisPattern(p) == redisPattern {
			return nil
		}
	}

	if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
		return fmt.Errorf("failed to unsubscribe from pattern %s: %w", pattern, err)
	}
	delete(r.patterns, redisPattern)

	return nil
}

// Publish fails when Redis is unreachable; nothing is buffered locally.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return fanout.ErrClosed
	}

	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}

	r.wg.Wait()

	return nil
}

func (r *RedisPubSub) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel(redis.WithChannelSize(channelSize))

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliverMessage(msg.Pattern, msg.Channel, []byte(msg.Payload))
		}
	}
}

// deliverMessage runs the handlers registered for the Redis pattern that
// matched. A topic matching two patterns arrives once per pattern, so
// handlers are selected by pattern rather than by topic.
func (r *RedisPubSub) deliverMessage(redisPattern, topic string, data []byte) {
	r.mu.RLock()
	var handlers []func(topic string, data []byte)
	for pattern, hs := range r.subscriptions {
		if convertToRedisPattern(pattern) != redisPattern || !fanout.MatchTopic(pattern, topic) {
			continue
		}
		handlers = append(handlers, hs...)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.invoke(h, topic, data)
	}
}

func (r *RedisPubSub) invoke(h func(topic string, data []byte), topic string, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("topic", topic).Msg("pubsub handler panicked")
		}
	}()
	h(topic, data)
}

// convertToRedisPattern turns a trailing ".*" into Redis's "*".
func convertToRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}
