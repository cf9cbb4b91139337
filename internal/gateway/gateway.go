// Package gateway accepts device websockets, authenticates them and runs
// one dispatcher per connection. Frames from one connection are handled
// strictly in arrival order.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/auth"
	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/fanout"
	"github.com/founditure/realtime/internal/notify"
	"github.com/founditure/realtime/internal/protocol"
	"github.com/founditure/realtime/internal/registry"
	"github.com/founditure/realtime/internal/store"
)

// Config wires the gateway's collaborators. Registry, Fanout, Store and
// Verifier are required.
type Config struct {
	Registry *registry.Registry
	Fanout   *fanout.Adapter
	Store    store.MessageStore
	Verifier auth.Verifier
	Presence fanout.Presence
	Notifier notify.Notifier
	Logger   zerolog.Logger
	Options  *Options
}

type Gateway struct {
	options  *Options
	registry *registry.Registry
	fanout   *fanout.Adapter
	store    store.MessageStore
	verifier auth.Verifier
	presence fanout.Presence
	notifier notify.Notifier
	metrics  MetricsCollector
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Registry == nil || cfg.Fanout == nil || cfg.Store == nil || cfg.Verifier == nil {
		return nil, errors.New("gateway: registry, fanout, store and verifier are required")
	}
	opts := cfg.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics()
	}
	presence := cfg.Presence
	if presence == nil {
		presence = fanout.NewLocalPresence(cfg.Registry)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		options:  opts,
		registry: cfg.Registry,
		fanout:   cfg.Fanout,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		presence: presence,
		notifier: notifier,
		metrics:  metrics,
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			HandshakeTimeout:  opts.HandshakeTimeout,
			CheckOrigin:       createOriginChecker(opts),
			EnableCompression: opts.EnableCompression,
		},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ServeHTTP authenticates the request and upgrades it. A bad token is
// refused before the upgrade and nothing is registered.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.ctx.Done():
		g.decline(w, http.StatusServiceUnavailable, protocol.ConnectionFailure("gateway is shutting down"))

		return
	default:
	}

	identity, err := g.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		g.metrics.ConnectionRejected("authentication")
		g.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		g.decline(w, http.StatusUnauthorized, protocol.Authentication("invalid or expired token").WithCause(err))

		return
	}

	if limit := g.options.MaxConnections; limit > 0 && g.registry.Len() >= limit {
		g.metrics.ConnectionRejected("capacity")
		g.decline(w, http.StatusServiceUnavailable, protocol.ConnectionFailure("gateway at capacity"))

		return
	}
	if limit := g.options.MaxConnectionsPerUser; limit > 0 && len(g.registry.HandlesFor(identity.UserID)) >= limit {
		g.metrics.ConnectionRejected("user_limit")
		g.decline(w, http.StatusTooManyRequests, &protocol.Error{
			Kind:    protocol.KindConnection,
			Code:    http.StatusTooManyRequests,
			Message: "too many connections for this user",
		})

		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.ConnectionRejected("upgrade")

		return
	}

	conn := newConn(g.ctx, ws, uuid.NewString(), identity.UserID, g.options, g.metrics, g.logger)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		g.serve(conn)
	}()
}

func (g *Gateway) decline(w http.ResponseWriter, status int, err *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorPayload(err, ""))
}

// Shutdown closes every connection and waits for their dispatchers to
// finish teardown, or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BroadcastRoom publishes an event to every subscriber of room on every
// process, for subsystems such as listing availability updates.
func (g *Gateway) BroadcastRoom(ctx context.Context, room, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.Wrap(err, "failed to marshal room event")
	}
	return g.fanout.Publish(ctx, fanout.Room(room), &protocol.RoomMessage{Room: room, Event: event, Data: raw})
}

// PublishStatus tells both participants of each message about a state
// change made outside a websocket, such as a REST mark-read or delete.
func (g *Gateway) PublishStatus(ctx context.Context, msgs []chat.Message, status delivery.Status, by string) error {
	return g.publishStatus(ctx, msgs, status, by, "")
}

type statusGroup struct {
	sender, recipient, threadID string
	ids                         []string
}

func (g *Gateway) publishStatus(ctx context.Context, msgs []chat.Message, status delivery.Status, by, exclude string) error {
	var groups []*statusGroup
	index := make(map[string]*statusGroup)

	for _, m := range msgs {
		key := m.ThreadID + "\x00" + m.SenderID
		grp, ok := index[key]
		if !ok {
			grp = &statusGroup{sender: m.SenderID, recipient: m.RecipientID, threadID: m.ThreadID}
			index[key] = grp
			groups = append(groups, grp)
		}
		grp.ids = append(grp.ids, m.ID)
	}

	at := g.now().UTC()
	var errs []error
	for _, grp := range groups {
		receipt := &protocol.ReadReceipt{MessageIDs: grp.ids, Status: status, ThreadID: grp.threadID, By: by, At: at}

		for _, user := range []string{grp.sender, grp.recipient} {
			var opts []fanout.PublishOption
			if exclude != "" {
				opts = append(opts, fanout.Excluding(exclude))
			}
			errs = append(errs, g.fanout.Publish(ctx, fanout.User(user), receipt, opts...))
		}
	}
	return protocol.Combine(errs...)
}

// notifyIfOffline asks the push service to wake a recipient with no live
// connection anywhere.
func (g *Gateway) notifyIfOffline(msg *chat.Message) {
	ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
	defer cancel()

	online, err := g.presence.Online(ctx, msg.RecipientID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", msg.RecipientID).Msg("presence lookup failed")

		return
	}
	if online {
		return
	}
	n := notify.Notification{
		UserID:    msg.RecipientID,
		Kind:      notify.KindMessage,
		Body:      preview(msg),
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		CreatedAt: g.now().UTC(),
	}
	if err := g.notifier.Notify(ctx, n); err != nil {
		g.logger.Warn().Err(err).Str("user_id", msg.RecipientID).Msg("push notification failed")
	}
}

func preview(msg *chat.Message) string {
	if msg.Type != chat.TypeText {
		return "Sent you a " + string(msg.Type)
	}
	const limit = 120
	if r := []rune(msg.Content); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return msg.Content
}
