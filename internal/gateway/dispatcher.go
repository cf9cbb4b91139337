package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/fanout"
	"github.com/founditure/realtime/internal/protocol"
	"github.com/founditure/realtime/internal/store"
	"github.com/founditure/realtime/internal/thread"
)

type frameHandler func(s *session, env *protocol.Envelope) error

var handlers = map[protocol.FrameType]frameHandler{
	protocol.FramePrivateMessage: (*session).handlePrivateMessage,
	protocol.FrameRoomMessage:    (*session).handleRoomMessage,
	protocol.FrameTyping:         (*session).handleTyping,
	protocol.FrameReadReceipt:    (*session).handleReadReceipt,
	protocol.FrameHeartbeat:      (*session).handleHeartbeat,
	protocol.FrameSubscribe:      (*session).handleSubscribe,
	protocol.FrameUnsubscribe:    (*session).handleUnsubscribe,
}

// session is the dispatcher state of one connection. It is only touched by
// the goroutine running serve.
type session struct {
	g             *Gateway
	conn          *Conn
	ctx           context.Context
	logger        zerolog.Logger
	lastHeartbeat time.Time
}

// serve owns the connection from registration to teardown. Teardown runs
// exactly once whichever way the loop ends: client close, heartbeat
// timeout, send failure or gateway shutdown.
func (g *Gateway) serve(conn *Conn) {
	s := &session{
		g:             g,
		conn:          conn,
		ctx:           conn.ctx,
		logger:        conn.logger,
		lastHeartbeat: g.now(),
	}

	// Fan-out reaching the connection before the replay below is done
	// waits behind the replayed messages.
	conn.holdSends()

	result, err := g.registry.Register(conn.UserID(), conn)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to register connection")
		conn.Close()

		return
	}
	defer s.teardown()

	g.metrics.ConnectionOpened(conn.ID(), conn.UserID())
	s.logger.Debug().Int("connections", result.Connections).Msg("connection registered")

	if err := g.presence.Join(s.ctx, conn.UserID(), conn.ID()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record presence")
	}

	s.replayPending()

	watchdog := time.NewTicker(g.options.HeartbeatInterval)
	defer watchdog.Stop()

	for {
		select {
		case data, ok := <-conn.receive:
			if !ok {
				return
			}
			s.handle(data)

		case now := <-watchdog.C:
			if now.Sub(s.lastHeartbeat) > g.options.heartbeatTimeout() {
				s.logger.Info().Time("last_heartbeat", s.lastHeartbeat).Msg("heartbeat timeout")
				g.metrics.Error("heartbeat", protocol.ConnectionFailure("heartbeat timeout"))

				return
			}

		case <-conn.Done():
			return
		}
	}
}

func (s *session) teardown() {
	s.conn.Close()

	departure := s.g.registry.Unregister(s.conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.g.presence.Leave(ctx, s.conn.UserID(), s.conn.ID()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear presence")
	}

	s.g.metrics.ConnectionClosed(s.conn.ID(), time.Since(s.conn.openedAt))
	s.logger.Debug().Strs("rooms", departure.Rooms).Bool("last_for_user", departure.LastForUser).Msg("connection torn down")
}

// replayPending sends every stored message that never reached the user,
// oldest first, then releases the frames fanned out meanwhile. A held
// delivery of a message the replay already sent is dropped.
func (s *session) replayPending() {
	replayed := make(map[string]struct{})

	defer func() {
		if err := s.conn.releaseHeld(func(frame []byte) bool { return isReplayed(frame, replayed) }); err != nil {
			s.logger.Debug().Err(err).Msg("failed to release held frames")
		}
	}()

	batch := s.replayBatch()
	var after store.Cursor
	for {
		page, err := s.g.store.ListPending(s.ctx, s.conn.UserID(), after, batch)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to load pending messages")

			return
		}
		if len(page) == 0 {
			break
		}
		if err := s.conn.waitForRoom(len(page)); err != nil {
			return
		}
		for i := range page {
			frame, err := protocol.Encode(&protocol.MessageDelivery{Message: page[i]}, "")
			if err != nil {
				return
			}
			if err := s.conn.enqueue(frame, true); err != nil {
				return
			}
			replayed[page[i].ID] = struct{}{}
		}
		after = store.CursorAfter(page[len(page)-1])
	}

	if len(replayed) > 0 {
		s.logger.Debug().Int("count", len(replayed)).Msg("replayed pending messages")
	}
}

// replayBatch keeps one batch within the send queue.
func (s *session) replayBatch() int {
	batch := s.g.options.PendingReplayBatch
	if batch <= 0 {
		batch = store.DefaultListLimit
	}
	if capacity := s.g.options.SendBuffer; capacity > 0 && batch > capacity {
		batch = capacity
	}
	return batch
}

func isReplayed(frame []byte, replayed map[string]struct{}) bool {
	if len(replayed) == 0 {
		return false
	}
	env, err := protocol.DecodeOutbound(frame)
	if err != nil {
		return false
	}
	d, ok := env.Payload.(*protocol.MessageDelivery)
	if !ok {
		return false
	}
	_, seen := replayed[d.Message.ID]
	return seen
}

func (s *session) handle(data []byte) {
	start := time.Now()
	// Any frame proves the device is alive.
	s.lastHeartbeat = s.g.now()

	env, err := protocol.DecodeInbound(data, s.g.options.limits())

	frameType := "invalid"
	token := ""
	if env != nil {
		token = env.Token
		if env.Payload != nil {
			frameType = string(env.Type())
		}
	}
	s.g.metrics.FrameReceived(frameType, len(data))

	if err == nil {
		err = handlers[env.Type()](s, env)
	}
	s.g.metrics.HandlerDuration(frameType, time.Since(start))

	if err != nil {
		s.reject(err, token)
	}
}

// reject reports a failed frame to the device. The connection stays open.
func (s *session) reject(err error, token string) {
	kind := protocol.KindOf(err)
	event := s.logger.Debug()
	if kind == protocol.KindInternal || kind == protocol.KindDelivery {
		event = s.logger.Warn()
	}
	event.Err(err).Str("kind", string(kind)).Str("token", token).Msg("frame rejected")

	s.g.metrics.Error("dispatcher", err)
	_ = s.send(protocol.ErrorPayload(err, token), "")
}

func (s *session) send(payload protocol.Payload, token string) error {
	frame, err := protocol.Encode(payload, token)
	if err != nil {
		return err
	}
	return s.conn.Send(frame, protocol.Critical(payload.FrameType()))
}

func (s *session) ack(token string, ack *protocol.Ack) {
	if token == "" {
		return
	}
	ack.Token = token
	_ = s.send(ack, "")
}

func (s *session) handlePrivateMessage(env *protocol.Envelope) error {
	p := env.Payload.(*protocol.PrivateMessage)
	userID := s.conn.UserID()

	existing, err := s.g.store.FindByIdempotencyToken(s.ctx, userID, env.Token)
	switch {
	case err == nil:
		return s.replayDuplicate(existing, env.Token)
	case !errors.Is(err, store.ErrNotFound):
		return protocol.Delivery("message store unavailable").WithCause(err)
	}

	threadID, err := thread.Resolve(userID, p.To, p.ContextRef)
	if err != nil {
		return protocol.Validation(err.Error()).WithCause(err)
	}

	msg := &chat.Message{
		ID:               chat.NewID(),
		SenderID:         userID,
		RecipientID:      p.To,
		ThreadID:         threadID,
		ContextRef:       p.ContextRef,
		Content:          p.Content,
		Type:             p.Type,
		Status:           delivery.StatusSent,
		SentAt:           s.g.now().UTC(),
		IdempotencyToken: env.Token,
	}

	saved, err := s.g.store.Save(s.ctx, msg)
	if err != nil {
		return protocol.Delivery("failed to persist message").WithCause(err)
	}
	if saved.ID != msg.ID {
		return s.replayDuplicate(saved, env.Token)
	}

	frame := &protocol.MessageDelivery{Message: *saved}
	pubErr := protocol.Combine(
		s.g.fanout.Publish(s.ctx, fanout.User(saved.RecipientID), frame),
		s.g.fanout.Publish(s.ctx, fanout.User(userID), frame, fanout.Excluding(s.conn.ID())),
	)

	// The message is durable; the ack lets the device drop it from its
	// outbox even if fan-out failed. Pending replay covers the recipient.
	s.ack(env.Token, &protocol.Ack{MessageID: saved.ID, ThreadID: saved.ThreadID, Status: saved.Status})

	if pubErr != nil {
		return pubErr
	}
	s.g.wg.Add(1)
	go func() {
		defer s.g.wg.Done()

		s.g.notifyIfOffline(saved)
	}()

	return nil
}

// replayDuplicate answers a retried frame with the stored message. While
// the message is still undelivered the recipient gets one more attempt.
func (s *session) replayDuplicate(msg *chat.Message, token string) error {
	s.logger.Debug().Str("message_id", msg.ID).Str("token", token).Msg("duplicate message frame")

	var pubErr error
	if msg.Status == delivery.StatusSent {
		pubErr = s.g.fanout.Publish(s.ctx, fanout.User(msg.RecipientID), &protocol.MessageDelivery{Message: *msg})
	}
	s.ack(token, &protocol.Ack{MessageID: msg.ID, ThreadID: msg.ThreadID, Status: msg.Status, Duplicate: true})

	return pubErr
}

func (s *session) handleReadReceipt(env *protocol.Envelope) error {
	p := env.Payload.(*protocol.ReadReceipt)
	userID := s.conn.UserID()
	at := s.g.now()

	var changed []chat.Message
	for _, id := range p.MessageIDs {
		msg, err := s.g.store.Get(s.ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug().Str("message_id", id).Msg("receipt for unknown message")
			continue
		}
		if err != nil {
			return protocol.Delivery("message store unavailable").WithCause(err)
		}
		if msg.RecipientID != userID {
			s.logger.Warn().Str("message_id", id).Msg("receipt from a user who is not the recipient")
			continue
		}

		updated, ok, err := s.g.store.UpdateStatus(s.ctx, id, p.Status, at)
		if errors.Is(err, delivery.ErrInvalidTransition) {
			s.logger.Warn().Err(err).Str("message_id", id).Msg("rejected delivery transition")
			continue
		}
		if err != nil {
			return protocol.Delivery("failed to update message status").WithCause(err)
		}
		if ok {
			changed = append(changed, *updated)
		}
	}

	var pubErr error
	if len(changed) > 0 {
		pubErr = s.g.publishStatus(s.ctx, changed, p.Status, userID, s.conn.ID())
	}
	s.ack(env.Token, &protocol.Ack{ThreadID: p.ThreadID, Status: p.Status})

	return pubErr
}

func (s *session) handleRoomMessage(env *protocol.Envelope) error {
	p := env.Payload.(*protocol.RoomMessage)
	p.From = s.conn.UserID()

	if err := s.g.fanout.Publish(s.ctx, fanout.Room(p.Room), p); err != nil {
		return err
	}
	s.ack(env.Token, &protocol.Ack{})

	return nil
}

// handleTyping is best effort: failures are logged, never reported.
func (s *session) handleTyping(env *protocol.Envelope) error {
	p := env.Payload.(*protocol.Typing)
	p.From = s.conn.UserID()

	if p.To == p.From {
		return nil
	}
	if err := s.g.fanout.Publish(s.ctx, fanout.User(p.To), p); err != nil {
		s.logger.Debug().Err(err).Msg("typing indicator dropped")
	}
	return nil
}

func (s *session) handleHeartbeat(_ *protocol.Envelope) error {
	s.lastHeartbeat = s.g.now()

	if err := s.g.presence.Refresh(s.ctx, s.conn.UserID(), s.conn.ID()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh presence")
	}
	return s.send(&protocol.Heartbeat{At: s.lastHeartbeat.UTC()}, "")
}

func (s *session) handleSubscribe(env *protocol.Envelope) error {
	p := env.Payload.(*protocol.Subscribe)

	if err := s.g.registry.JoinRoom(s.conn, p.Room); err != nil {
		return protocol.Wrap(err, "failed to join room")
	}
	s.ack(env.Token, &protocol.Ack{})

	return nil
}

func (s *session) handleUnsubscribe(env *protocol.Envelope) error {
	p := env.Payload.(*protocol.Unsubscribe)

	if err := s.g.registry.LeaveRoom(s.conn, p.Room); err != nil {
		return protocol.Wrap(err, "failed to leave room")
	}
	s.ack(env.Token, &protocol.Ack{})

	return nil
}
