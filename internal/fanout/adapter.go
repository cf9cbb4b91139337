package fanout

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/protocol"
	"github.com/founditure/realtime/internal/registry"
)

type ScopeKind string

const (
	ScopeUser ScopeKind = "user"
	ScopeRoom ScopeKind = "room"
)

const DefaultTopicPrefix = "chat"

// Scope addresses a broadcast: every connection of one user, or every
// subscriber of one room.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

func User(userID string) Scope { return Scope{Kind: ScopeUser, ID: userID} }

func Room(room string) Scope { return Scope{Kind: ScopeRoom, ID: room} }

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Event is what travels on the bus.
type Event struct {
	Scope    Scope              `json:"scope"`
	Type     protocol.FrameType `json:"type"`
	Frame    json.RawMessage    `json:"frame"`
	Exclude  string             `json:"exclude,omitempty"`
	Origin   string             `json:"origin,omitempty"`
	Critical bool               `json:"critical"`
}

type PublishOption func(*Event)

// Excluding skips one connection, typically the one the event came from.
func Excluding(handleID string) PublishOption {
	return func(e *Event) {
		e.Exclude = handleID
	}
}

// DeliveryObserver is told how many local connections received each event.
type DeliveryObserver func(scope Scope, frameType protocol.FrameType, recipients int)

type AdapterOptions struct {
	NodeID      string
	TopicPrefix string
	Logger      zerolog.Logger
	Observer    DeliveryObserver
}

// Adapter publishes scope events on the bus and delivers the events it
// receives to the matching connections in the local registry.
type Adapter struct {
	bus      PubSub
	registry *registry.Registry
	nodeID   string
	prefix   string
	logger   zerolog.Logger
	observer DeliveryObserver
}

func NewAdapter(bus PubSub, reg *registry.Registry, opts AdapterOptions) *Adapter {
	prefix := opts.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Adapter{
		bus:      bus,
		registry: reg,
		nodeID:   opts.NodeID,
		prefix:   prefix,
		logger:   opts.Logger.With().Str("component", "fanout").Str("node", opts.NodeID).Logger(),
		observer: opts.Observer,
	}
}

// Start subscribes this process to every user and room topic.
func (a *Adapter) Start() error {
	for _, kind := range []ScopeKind{ScopeUser, ScopeRoom} {
		if err := a.bus.Subscribe(a.pattern(kind), a.receive); err != nil {
			return protocol.Wrapf(err, "failed to subscribe to %s events", kind)
		}
	}
	return nil
}

// Stop removes the subscriptions installed by Start.
func (a *Adapter) Stop() error {
	var errs []error
	for _, kind := range []ScopeKind{ScopeUser, ScopeRoom} {
		errs = append(errs, a.bus.Unsubscribe(a.pattern(kind)))
	}
	return protocol.Combine(errs...)
}

// Publish encodes payload as a frame and sends it to scope on every process.
// A bus failure is returned as a delivery failure.
func (a *Adapter) Publish(ctx context.Context, scope Scope, payload protocol.Payload, opts ...PublishOption) error {
	frame, err := protocol.Encode(payload, "")
	if err != nil {
		return err
	}
	event := Event{
		Scope:    scope,
		Type:     payload.FrameType(),
		Frame:    frame,
		Origin:   a.nodeID,
		Critical: protocol.Critical(payload.FrameType()),
	}
	for _, opt := range opts {
		opt(&event)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return protocol.Wrap(err, "failed to marshal fan-out event")
	}
	if err := a.bus.Publish(ctx, a.topic(scope), data); err != nil {
		a.logger.Warn().Err(err).Str("scope", scope.String()).Msg("fan-out publish failed")
		return protocol.Delivery("fan-out bus unavailable").WithCause(err)
	}
	return nil
}

func (a *Adapter) receive(topic string, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		a.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable fan-out event")
		return
	}
	if scope, ok := a.ParseTopic(topic); !ok || scope != event.Scope {
		a.logger.Warn().Str("topic", topic).Str("scope", event.Scope.String()).Msg("dropping fan-out event with mismatched scope")
		return
	}
	a.deliverLocal(event)
}

// deliverLocal writes the frame to every local connection of the scope.
// Sends never block, so one slow connection does not hold up the others.
func (a *Adapter) deliverLocal(event Event) int {
	var targets []registry.Handle
	switch event.Scope.Kind {
	case ScopeUser:
		targets = a.registry.HandlesFor(event.Scope.ID)
	case ScopeRoom:
		targets = a.registry.HandlesInRoom(event.Scope.ID)
	default:
		a.logger.Warn().Str("kind", string(event.Scope.Kind)).Msg("unknown scope kind")
		return 0
	}

	delivered := 0
	for _, h := range targets {
		if h.ID() == event.Exclude {
			continue
		}
		if err := h.Send(event.Frame, event.Critical); err != nil {
			a.logger.Debug().Err(err).Str("conn", h.ID()).Str("scope", event.Scope.String()).Msg("local delivery failed")
			continue
		}
		delivered++
	}
	if a.observer != nil {
		a.observer(event.Scope, event.Type, delivered)
	}
	return delivered
}

func (a *Adapter) topic(scope Scope) string {
	return a.prefix + ":" + string(scope.Kind) + ":" + scope.ID
}

func (a *Adapter) pattern(kind ScopeKind) string {
	return a.prefix + ":" + string(kind) + ":.*"
}

// ParseTopic recovers the scope from a bus topic.
func (a *Adapter) ParseTopic(topic string) (Scope, bool) {
	rest, ok := strings.CutPrefix(topic, a.prefix+":")
	if !ok {
		return Scope{}, false
	}
	kind, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return Scope{}, false
	}
	switch ScopeKind(kind) {
	case ScopeUser, ScopeRoom:
		return Scope{Kind: ScopeKind(kind), ID: id}, true
	}
	return Scope{}, false
}
