// This file contains the Conn type, the server side of one device's
// websocket. It owns the read and write pumps and the bounded send queue
// that keeps one slow device from stalling broadcasts to everyone else.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/protocol"
)

var ErrConnClosed = errors.New("gateway: connection closed")

type outFrame struct {
	data     []byte
	critical bool
}

// Conn is a registry.Handle backed by a websocket.
type Conn struct {
	id       string
	userID   string
	ws       *websocket.Conn
	options  *Options
	metrics  MetricsCollector
	logger   zerolog.Logger
	openedAt time.Time

	mutex   sync.Mutex
	queue   []outFrame
	closing bool
	wake    chan struct{}
	drained chan struct{}

	// While holding is set, frames passed to Send wait in held until
	// releaseHeld. Guarded by gate, which is taken before mutex.
	gate    sync.Mutex
	holding bool
	held    []outFrame

	receive   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(parent context.Context, ws *websocket.Conn, id, userID string, options *Options, metrics MetricsCollector, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)

	c := &Conn{
		id:       id,
		userID:   userID,
		ws:       ws,
		options:  options,
		metrics:  metrics,
		logger:   logger.With().Str("conn", id).Str("user_id", userID).Logger(),
		openedAt: time.Now(),
		wake:     make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
		receive:  make(chan []byte, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	ws.SetReadLimit(options.MaxMessageSize)

	ws.SetCloseHandler(func(code int, text string) error {
		c.logger.Debug().Int("code", code).Msg("peer closed connection")

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

// Done is closed once the connection starts tearing down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues a frame. When the queue is full the oldest non-critical frame
// is evicted; if every queued frame is critical, a critical frame fails the
// connection and a non-critical one is dropped.
func (c *Conn) Send(frame []byte, critical bool) error {
	c.gate.Lock()
	if c.holding {
		defer c.gate.Unlock()

		return c.hold(frame, critical)
	}
	c.gate.Unlock()

	return c.enqueue(frame, critical)
}

// hold parks a frame while stored messages are replayed. The parked list
// is bounded like the send queue.
func (c *Conn) hold(frame []byte, critical bool) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	if capacity := c.options.SendBuffer; capacity > 0 && len(c.held) >= capacity {
		if !critical {
			c.metrics.FrameDropped("buffer_full")

			return nil
		}
		c.logger.Warn().Int("held", len(c.held)).Msg("too many frames held during replay, closing connection")

		go c.Close()

		return protocol.ConnectionFailure("send buffer full")
	}
	c.held = append(c.held, outFrame{data: frame, critical: critical})

	return nil
}

// holdSends makes Send park frames until releaseHeld.
func (c *Conn) holdSends() {
	c.gate.Lock()
	c.holding = true
	c.gate.Unlock()
}

// releaseHeld queues the parked frames in arrival order, except those skip
// reports as already delivered, and lets Send queue directly again.
func (c *Conn) releaseHeld(skip func(frame []byte) bool) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	held := c.held
	c.held, c.holding = nil, false

	for _, f := range held {
		if skip != nil && skip(f.data) {
			continue
		}
		if err := c.enqueue(f.data, f.critical); err != nil {
			return err
		}
	}
	return nil
}

// waitForRoom blocks until n more frames fit in the send queue.
func (c *Conn) waitForRoom(n int) error {
	capacity := c.options.SendBuffer
	if capacity <= 0 {
		return nil
	}
	for c.pending()+n > capacity {
		select {
		case <-c.drained:
		case <-c.ctx.Done():
			return ErrConnClosed
		}
	}
	return nil
}

func (c *Conn) enqueue(frame []byte, critical bool) error {
	c.mutex.Lock()

	if c.closing {
		c.mutex.Unlock()

		return ErrConnClosed
	}
	if capacity := c.options.SendBuffer; capacity > 0 && len(c.queue) >= capacity {
		victim := -1
		for i, f := range c.queue {
			if !f.critical {
				victim = i
				break
			}
		}
		switch {
		case victim >= 0:
			c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
			c.metrics.FrameDropped("evicted")
		case !critical:
			c.mutex.Unlock()
			c.metrics.FrameDropped("buffer_full")

			return nil
		default:
			c.mutex.Unlock()
			c.logger.Warn().Int("queued", capacity).Msg("send buffer full of critical frames, closing connection")

			go c.Close()

			return protocol.ConnectionFailure("send buffer full")
		}
	}
	c.queue = append(c.queue, outFrame{data: frame, critical: critical})
	c.mutex.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.queue)
}

func (c *Conn) readPump() {
	defer close(c.receive)

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.options.readTimeout())); err != nil {
			c.metrics.Error("read_deadline", err)

			return
		}
		messageType, message, err := c.ws.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.metrics.Error("read_pump", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			if frame, err := protocol.Encode(protocol.ErrorPayload(protocol.Protocol("unsupported message type; expected text frame"), ""), ""); err == nil {
				_ = c.Send(frame, true)
			}
			continue
		}
		select {
		case c.receive <- message:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}

		c.mutex.Lock()
		batch := c.queue
		c.queue = nil
		c.mutex.Unlock()

		for _, f := range batch {
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")

				return
			}
			c.metrics.FrameSent(len(f.data))
		}

		select {
		case c.drained <- struct{}{}:
		default:
		}
	}
}

// Close tears the socket down. It is idempotent; the dispatcher notices
// through Done and unregisters the connection.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.closing = true
		c.queue = nil
		c.mutex.Unlock()

		c.cancel()

		deadline := time.Now().Add(c.options.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}
