// This file contains the LocalPubSub implementation which provides an in-memory
// bus for single-process deployments and tests.
package fanout

import (
	"context"
	"sync"
)

type LocalPubSub struct {
	mu         sync.RWMutex
	subs       map[string][]subscription
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
}

type subscription struct {
	pattern string
	handler func(topic string, data []byte)

	ch     chan PubSubMessage
	cancel context.CancelFunc
}

// NewLocalPubSub creates an in-memory bus. Each subscription buffers up to
// bufferSize messages; bufferSize <= 0 defaults to 1024.
func NewLocalPubSub(ctx context.Context, bufferSize int) *LocalPubSub {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	pubsubCtx, cancel := context.WithCancel(ctx)

	return &LocalPubSub{
		subs:       make(map[string][]subscription),
		ctx:        pubsubCtx,
		cancel:     cancel,
		bufferSize: bufferSize,
	}
}

// Subscribe registers a handler. Each subscription is drained by its own
// goroutine, which calls the handler one message at a time.
func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	subCtx, cancel := context.WithCancel(l.ctx)

	ch := make(chan PubSubMessage, l.bufferSize)

	sub := subscription{
		pattern: pattern,
		handler: handler,
		ch:      ch,
		cancel:  cancel,
	}
	l.subs[pattern] = append(l.subs[pattern], sub)

	go l.runSubscription(subCtx, sub)

	return nil
}

func (l *LocalPubSub) runSubscription(ctx context.Context, sub subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			sub.handler(msg.Topic, msg.Data)
		}
	}
}

func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	subs, exists := l.subs[pattern]
	if !exists {
		return ErrNotSubscribe
	}
	for _, sub := range subs {
		sub.cancel()
	}
	delete(l.subs, pattern)

	return nil
}

// Publish enqueues the message for every matching subscription. A full
// subscription buffer fails the publish rather than dropping the event.
func (l *LocalPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()

	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	msg := PubSubMessage{
		Topic: topic,
		Data:  data,
	}
	var err error
	for pattern, subs := range l.subs {
		if !MatchTopic(pattern, topic) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.ch <- msg:
			default:
				err = ErrBackpressure
			}
		}
	}
	return err
}

// Close cancels every subscription. It is safe to call more than once.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	l.subs = make(map[string][]subscription)

	return nil
}
