package gateway

import (
	"crypto/tls"
	"net/http"
	"regexp"
	"time"

	"github.com/founditure/realtime/internal/protocol"
)

// Options configures connection handling.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	EnableCompression    bool
	HandshakeTimeout     time.Duration

	// Devices send a heartbeat frame every HeartbeatInterval. A connection
	// silent for HeartbeatMisses intervals is torn down.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	WriteWait         time.Duration

	// SendBuffer bounds the frames queued for one connection.
	SendBuffer       int
	MaxContentLength int

	MaxConnections        int
	MaxConnectionsPerUser int

	// PendingReplayBatch is how many stored messages are loaded and queued
	// at a time when replaying on connect. Every pending message is
	// replayed; batches wait for room in the send queue.
	PendingReplayBatch int

	Metrics MetricsCollector
}

// ServerOptions configures the HTTP server hosting the gateway.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

// DefaultOptions returns options suitable for most deployments:
// no origin checking, 25s heartbeats with two allowed misses, a 256 frame
// send buffer and 4000 character messages.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:           false,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		MaxMessageSize:        64 * 1024,
		HandshakeTimeout:      10 * time.Second,
		HeartbeatInterval:     25 * time.Second,
		HeartbeatMisses:       2,
		WriteWait:             10 * time.Second,
		SendBuffer:            256,
		MaxContentLength:      protocol.DefaultMaxContentLength,
		MaxConnections:        10000,
		MaxConnectionsPerUser: 16,
		PendingReplayBatch:    100,
	}
}

// heartbeatTimeout is how long a connection may stay silent.
func (o *Options) heartbeatTimeout() time.Duration {
	misses := o.HeartbeatMisses
	if misses <= 0 {
		misses = 1
	}
	return o.HeartbeatInterval * time.Duration(misses)
}

// readTimeout backs the heartbeat watchdog at the transport level.
func (o *Options) readTimeout() time.Duration {
	return o.heartbeatTimeout() + o.HeartbeatInterval
}

func (o *Options) limits() protocol.Limits {
	return protocol.Limits{MaxContentLength: o.MaxContentLength}
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, pattern := range opts.AllowedOriginRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}
