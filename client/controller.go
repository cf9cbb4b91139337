package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateWaiting is the pause between a failed connection and the next
	// attempt.
	StateWaiting
	// StateFailed means automatic retries have stopped.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaiting:
		return "waiting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrAlreadyRunning = errors.New("client: controller already running")
	ErrUnauthorized   = errors.New("client: identity token rejected")
)

const seenCapacity = 2048

// Controller owns one logical connection to the gateway.
type Controller struct {
	address *url.URL
	config  Config
	outbox  *Outbox
	logger  zerolog.Logger

	mu       sync.Mutex
	state    State
	session  *session
	rooms    map[string]struct{}
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}

	resume chan struct{}
	kick   chan struct{}
	seen   *seenSet
}

// New creates a controller for the gateway at endpoint. http and https
// endpoints are rewritten to ws and wss.
func New(endpoint string, config Config) (*Controller, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", address.Scheme)
	}
	if config.Token == nil {
		return nil, errors.New("client: a token source is required")
	}
	config.applyDefaults()

	return &Controller{
		address: address,
		config:  config,
		outbox:  NewOutbox(config.Store, config.RetryDelay),
		logger:  config.Logger.With().Str("component", "client").Logger(),
		rooms:   make(map[string]struct{}),
		resume:  make(chan struct{}, 1),
		kick:    make(chan struct{}, 1),
		seen:    newSeenSet(seenCapacity),
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.logger.Debug().Str("state", s.String()).Msg("state changed")
		if h := c.config.Handlers.OnStateChange; h != nil {
			h(s)
		}
	}
}

// Connect starts the connection loop in the background. It returns at once;
// watch OnStateChange for progress.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.attempts = 0

	go c.run(runCtx, c.done)

	return nil
}

// Disconnect stops the loop and any pending reconnect, closes the current
// connection and waits for it to wind down. Queued entries stay queued.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.setState(StateDisconnected)
}

// Resume restarts automatic retries after the persistent-failure signal,
// for example when the app returns to the foreground.
func (c *Controller) Resume() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		c.setState(StateConnecting)

		sess, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.session = sess
			c.mu.Unlock()

			c.setState(StateConnected)
			err = sess.run(ctx)

			c.mu.Lock()
			c.session = nil
			c.mu.Unlock()
		}
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Info().Err(err).Int("attempt", attempts).Msg("connection lost")

		if errors.Is(err, ErrUnauthorized) || (c.config.MaxAttempts > 0 && attempts >= c.config.MaxAttempts) {
			if !c.fail(ctx, err) {
				return
			}
			continue
		}

		c.setState(StateWaiting)

		timer := time.NewTimer(c.config.Backoff.Delay(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.resume:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fail raises the persistent-failure signal and parks until Resume. It
// returns false when the controller was stopped instead.
func (c *Controller) fail(ctx context.Context, cause error) bool {
	// Drop a stale Resume sent before the failure.
	select {
	case <-c.resume:
	default:
	}

	c.setState(StateFailed)
	c.logger.Warn().Err(cause).Msg("giving up on automatic reconnects")

	if h := c.config.Handlers.OnFailure; h != nil {
		h(cause)
	}

	select {
	case <-ctx.Done():
		return false
	case <-c.resume:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()

		return true
	}
}

func (c *Controller) dial(ctx context.Context) (*session, error) {
	token, err := c.config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: token source: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.config.Dialer.DialContext(ctx, c.address.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", c.address.Host, err)
	}
	return newSession(c, ws), nil
}

// SendMessage queues a private message and returns its idempotency token.
// The message is sent now when connected and replayed after reconnect
// otherwise.
func (c *Controller) SendMessage(ctx context.Context, msg protocol.PrivateMessage) (string, error) {
	return c.enqueue(ctx, &msg)
}

// MarkRead tells the sender the messages were read.
func (c *Controller) MarkRead(ctx context.Context, threadID string, ids ...string) (string, error) {
	return c.enqueue(ctx, &protocol.ReadReceipt{MessageIDs: ids, Status: delivery.StatusRead, ThreadID: threadID})
}

// Subscribe joins room now and again after every reconnect.
func (c *Controller) Subscribe(ctx context.Context, room string) (string, error) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	return c.enqueue(ctx, &protocol.Subscribe{Room: room})
}

func (c *Controller) Unsubscribe(ctx context.Context, room string) (string, error) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	return c.enqueue(ctx, &protocol.Unsubscribe{Room: room})
}

// SendTyping is fire and forget. It is never queued.
func (c *Controller) SendTyping(to, contextRef string, active bool) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(&protocol.Typing{To: to, ContextRef: contextRef, Active: active}, "")
	if err != nil {
		return err
	}
	return sess.write(frame)
}

// Pending lists queued entries, oldest first.
func (c *Controller) Pending(ctx context.Context) ([]Entry, error) {
	return c.outbox.Pending(ctx)
}

func (c *Controller) enqueue(ctx context.Context, payload protocol.Payload) (string, error) {
	token, err := c.outbox.Enqueue(ctx, payload)
	if err != nil {
		return "", err
	}
	c.signalDrain()

	return token, nil
}

func (c *Controller) signalDrain() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) subscribedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

type ackResult struct {
	ack *protocol.Ack
	err error
}

// session is one live websocket.
type session struct {
	c      *Controller
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan ackResult

	heartbeat chan struct{}
}

func newSession(c *Controller, ws *websocket.Conn) *session {
	return &session{
		c:         c,
		ws:        ws,
		logger:    c.logger,
		waiters:   make(map[string]chan ackResult),
		heartbeat: make(chan struct{}, 1),
	}
}

// run serves the connection until it fails or ctx ends. The returned error
// is the reason the connection ended.
func (s *session) run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()

		cancel(s.readLoop(ctx))
	}()

	for _, room := range s.c.subscribedRooms() {
		frame, err := protocol.Encode(&protocol.Subscribe{Room: room}, "")
		if err == nil {
			_ = s.write(frame)
		}
	}

	go func() {
		defer wg.Done()

		s.drainLoop(ctx)
	}()

	err := s.heartbeatLoop(ctx)
	cancel(err)

	_ = s.ws.Close()
	wg.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (s *session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.SetWriteDeadline(time.Now().Add(s.c.config.WriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}

		select {
		case <-s.heartbeat:
		default:
		}

		frame, _ := protocol.Encode(&protocol.Heartbeat{At: time.Now().UTC()}, "")
		if err := s.write(frame); err != nil {
			return fmt.Errorf("heartbeat write: %w", err)
		}

		timer := time.NewTimer(s.c.config.HeartbeatTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-s.heartbeat:
			timer.Stop()
		case <-timer.C:
			return protocol.ConnectionFailure("heartbeat ack timeout")
		}
	}
}

func (s *session) drainLoop(ctx context.Context) {
	for {
		err := s.c.outbox.Drain(ctx, s.sendEntry, s.c.config.Handlers.OnRejected)
		if err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("outbox drain interrupted")
		}

		select {
		case <-ctx.Done():
			return
		case <-s.c.kick:
		}
	}
}

func (s *session) sendEntry(ctx context.Context, e Entry) (*protocol.Ack, error) {
	ch := make(chan ackResult, 1)

	s.waitMu.Lock()
	s.waiters[e.Token] = ch
	s.waitMu.Unlock()

	defer func() {
		s.waitMu.Lock()
		delete(s.waiters, e.Token)
		s.waitMu.Unlock()
	}()

	frame, err := e.Frame()
	if err != nil {
		return nil, err
	}
	if err := s.write(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(s.c.config.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.ack, res.err
	case <-timer.C:
		s.logger.Debug().Str("token", e.Token).Int("attempts", e.Attempts+1).Msg("ack timeout, resending")
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands res to the sender waiting on token. Each waiter takes one
// result; a later frame for the same token reports false.
func (s *session) resolve(token string, res ackResult) bool {
	s.waitMu.Lock()
	ch, ok := s.waiters[token]
	if ok {
		delete(s.waiters, token)
	}
	s.waitMu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- res:
		return true
	default:
		return false
	}
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return protocol.ConnectionFailure("connection lost").WithCause(err)
		}

		env, err := protocol.DecodeOutbound(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *session) dispatch(ctx context.Context, env *protocol.Envelope) {
	h := s.c.config.Handlers

	switch p := env.Payload.(type) {
	case *protocol.MessageDelivery:
		s.receiveMessage(ctx, p.Message)

	case *protocol.ReadReceipt:
		if h.OnReceipt != nil {
			h.OnReceipt(*p)
		}

	case *protocol.RoomMessage:
		if h.OnRoomMessage != nil {
			h.OnRoomMessage(*p)
		}

	case *protocol.Typing:
		if h.OnTyping != nil {
			h.OnTyping(*p)
		}

	case *protocol.Heartbeat:
		select {
		case s.heartbeat <- struct{}{}:
		default:
		}

	case *protocol.Ack:
		s.resolve(p.Token, ackResult{ack: p})
		if h.OnAck != nil {
			h.OnAck(*p)
		}

	case *protocol.ErrorFrame:
		perr := p.AsError()
		if p.Token != "" && s.resolve(p.Token, ackResult{err: perr}) {
			return
		}
		s.logger.Debug().Str("kind", string(p.Kind)).Str("token", p.Token).Msg(p.Message)
		if h.OnError != nil {
			h.OnError(perr)
		}
	}
}

// receiveMessage hands each message to the app once and confirms delivery
// of messages addressed to this user.
func (s *session) receiveMessage(ctx context.Context, msg chat.Message) {
	if !s.c.seen.add(msg.ID) {
		return
	}
	if h := s.c.config.Handlers.OnMessage; h != nil {
		h(msg)
	}
	if msg.RecipientID != s.c.config.UserID || msg.Status != delivery.StatusSent {
		return
	}
	receipt := &protocol.ReadReceipt{MessageIDs: []string{msg.ID}, Status: delivery.StatusDelivered, ThreadID: msg.ThreadID}
	if _, err := s.c.enqueue(ctx, receipt); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to queue delivered receipt")
	}
}

// seenSet remembers the most recent message ids.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), order: make([]string, capacity)}
}

// add reports whether id was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.order)

	return true
}
