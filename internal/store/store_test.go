package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/thread"
)

var base = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newMessage(t *testing.T, from, to, contextRef, content string, offset time.Duration) *chat.Message {
	t.Helper()
	threadID, err := thread.Resolve(from, to, contextRef)
	require.NoError(t, err)
	return &chat.Message{
		ID:               chat.NewID(),
		SenderID:         from,
		RecipientID:      to,
		ThreadID:         threadID,
		ContextRef:       contextRef,
		Content:          content,
		Type:             chat.TypeText,
		Status:           delivery.StatusSent,
		SentAt:           base.Add(offset),
		IdempotencyToken: uuid.NewString(),
	}
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) MessageStore) {
	ctx := context.Background()

	t.Run("save is idempotent per sender and token", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage(t, "alice", "bob", "", "hello", 0)

		saved, err := s.Save(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, saved.ID)

		retry := *msg
		retry.ID = chat.NewID()
		again, err := s.Save(ctx, &retry)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, again.ID, "duplicate token must return the original")

		other := *msg
		other.ID = chat.NewID()
		other.SenderID = "carol"
		other.ThreadID, _ = thread.Resolve("carol", "bob", "")
		third, err := s.Save(ctx, &other)
		require.NoError(t, err)
		assert.Equal(t, other.ID, third.ID, "tokens are scoped to the sender")

		found, err := s.FindByIdempotencyToken(ctx, "alice", msg.IdempotencyToken)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, found.ID)

		_, err = s.FindByIdempotencyToken(ctx, "alice", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status transitions", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage(t, "alice", "bob", "", "hello", 0)
		_, err := s.Save(ctx, msg)
		require.NoError(t, err)

		updated, changed, err := s.UpdateStatus(ctx, msg.ID, delivery.StatusDelivered, base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, delivery.StatusDelivered, updated.Status)
		require.NotNil(t, updated.DeliveredAt)

		_, changed, err = s.UpdateStatus(ctx, msg.ID, delivery.StatusDelivered, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)

		updated, changed, err = s.UpdateStatus(ctx, msg.ID, delivery.StatusRead, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		require.NotNil(t, updated.ReadAt)

		_, _, err = s.UpdateStatus(ctx, msg.ID, delivery.StatusSent, base.Add(4*time.Minute))
		assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusRead, got.Status)

		_, _, err = s.UpdateStatus(ctx, "missing", delivery.StatusRead, base)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete redacts for the sender only", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage(t, "alice", "bob", "", "secret", 0)
		_, err := s.Save(ctx, msg)
		require.NoError(t, err)

		_, err = s.Delete(ctx, msg.ID, "bob", base)
		assert.ErrorIs(t, err, ErrNotSender)

		deleted, err := s.Delete(ctx, msg.ID, "alice", base)
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusDeleted, deleted.Status)
		assert.Equal(t, chat.RedactedContent, deleted.Content)

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, chat.RedactedContent, got.Content)
	})

	t.Run("thread history and pending", func(t *testing.T) {
		s := newStore(t)
		for i, content := range []string{"one", "two", "three"} {
			from, to := "alice", "bob"
			if i == 1 {
				from, to = "bob", "alice"
			}
			_, err := s.Save(ctx, newMessage(t, from, to, "listing-9", content, time.Duration(i)*time.Second))
			require.NoError(t, err)
		}
		_, err := s.Save(ctx, newMessage(t, "alice", "bob", "", "elsewhere", 10*time.Second))
		require.NoError(t, err)

		history, err := s.ListThread(ctx, "bob", "alice", "listing-9", 0)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, "one", history[0].Content)
		assert.Equal(t, "three", history[2].Content)

		latest, err := s.ListThread(ctx, "alice", "bob", "listing-9", 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "two", latest[0].Content)

		pending, err := s.ListPending(ctx, "bob", Cursor{}, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "one", pending[0].Content)
		assert.Equal(t, "elsewhere", pending[2].Content)

		page, err := s.ListPending(ctx, "bob", Cursor{}, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		rest, err := s.ListPending(ctx, "bob", CursorAfter(page[1]), 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "elsewhere", rest[0].Content)
	})

	t.Run("threads and mark read", func(t *testing.T) {
		s := newStore(t)
		first := newMessage(t, "alice", "bob", "", "hi", 0)
		second := newMessage(t, "alice", "bob", "", "are you there", time.Second)
		reply := newMessage(t, "carol", "bob", "sofa", "still available?", 2*time.Second)
		for _, m := range []*chat.Message{first, second, reply} {
			_, err := s.Save(ctx, m)
			require.NoError(t, err)
		}

		threads, err := s.ListThreads(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, threads, 2)
		assert.Equal(t, reply.ThreadID, threads[0].ID, "most recent activity first")
		assert.Equal(t, 1, threads[0].Unread)
		assert.Equal(t, "sofa", threads[0].ContextRef)
		assert.Equal(t, 2, threads[1].Unread)
		require.NotNil(t, threads[1].LastMessage)
		assert.Equal(t, second.ID, threads[1].LastMessage.ID)

		aliceThreads, err := s.ListThreads(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, aliceThreads, 1)
		assert.Zero(t, aliceThreads[0].Unread, "own messages are never unread")

		changed, err := s.MarkThreadRead(ctx, "bob", first.ThreadID, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, changed, 2)
		assert.Equal(t, first.ID, changed[0].ID)
		for _, m := range changed {
			assert.Equal(t, delivery.StatusRead, m.Status)
		}

		changed, err = s.MarkThreadRead(ctx, "bob", first.ThreadID, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, changed)

		threads, err = s.ListThreads(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, threads[1].Unread)
	})

	t.Run("rejects incomplete messages", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage(t, "alice", "bob", "", "hello", 0)
		msg.IdempotencyToken = ""
		_, err := s.Save(ctx, msg)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) MessageStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	msg := newMessage(t, "alice", "bob", "", "hello", 0)
	_, err := s.Save(context.Background(), msg)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	got.Content = "tampered"

	again, err := s.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Content)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	runStoreTests(t, func(t *testing.T) MessageStore {
		s, err := NewPostgresStore(context.Background(), url)
		require.NoError(t, err)
		_, err = s.pool.Exec(context.Background(), "TRUNCATE messages")
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}
