// Package fanout propagates broadcasts to users and rooms across every gateway
// process. A shared bus carries each event to all processes; each process then
// writes the frame to the matching connections in its own registry.
package fanout

import (
	"context"
	"errors"
)

// PubSub is the shared bus between gateway processes.
type PubSub interface {
	// Subscribe registers a handler for topics matching pattern. A pattern
	// ending in ".*" matches every topic with that prefix. Handlers for one
	// subscription are called sequentially in publish order.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for the pattern.
	Unsubscribe(pattern string) error

	// Publish sends data to every subscriber of a matching pattern. It fails
	// fast when the bus is unreachable.
	Publish(ctx context.Context, topic string, data []byte) error

	Close() error
}

type PubSubMessage struct {
	Topic string
	Data  []byte
}

var (
	ErrClosed       = errors.New("pubsub: closed")
	ErrNotSubscribe = errors.New("pubsub: pattern not subscribed")
	ErrBackpressure = errors.New("pubsub: subscriber buffer full")
)

// MatchTopic reports whether topic matches pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}
