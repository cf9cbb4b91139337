package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/founditure/realtime/internal/protocol"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func storeFactories(t *testing.T) map[string]func() OutboxStore {
	return map[string]func() OutboxStore{
		"memory": func() OutboxStore { return NewMemoryOutboxStore() },
		"sqlite": func() OutboxStore {
			s, err := NewSQLiteOutboxStore(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestOutboxStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			_, err := s.Peek(ctx)
			assert.ErrorIs(t, err, ErrEmpty)

			now := time.Now().UTC().Truncate(time.Millisecond)
			for _, tok := range []string{"a", "b", "c"} {
				require.NoError(t, s.Append(ctx, Entry{Token: tok, Type: protocol.FramePrivateMessage, Payload: []byte(`{"to":"bob"}`), EnqueuedAt: now}))
			}

			head, err := s.Peek(ctx)
			require.NoError(t, err)
			assert.Equal(t, "a", head.Token)
			assert.Equal(t, protocol.FramePrivateMessage, head.Type)
			assert.JSONEq(t, `{"to":"bob"}`, string(head.Payload))
			assert.True(t, head.EnqueuedAt.Equal(now))

			require.NoError(t, s.IncrementAttempts(ctx, "a"))
			require.NoError(t, s.IncrementAttempts(ctx, "a"))
			head, _ = s.Peek(ctx)
			assert.Equal(t, 2, head.Attempts)

			require.NoError(t, s.Remove(ctx, "b"))
			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a", all[0].Token)
			assert.Equal(t, "c", all[1].Token)
		})
	}
}

func TestSQLiteOutboxSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := NewSQLiteOutboxStore(ctx, path)
	require.NoError(t, err)
	o := NewOutbox(s, time.Millisecond)
	first, err := o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "one"})
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "two"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteOutboxStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].Token)
}

func TestDrainRemovesOnlyOnAck(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(NewMemoryOutboxStore(), time.Millisecond)

	var tokens []string
	for _, content := range []string{"one", "two", "three"} {
		tok, err := o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: content})
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	var sent []string
	err := o.Drain(ctx, func(_ context.Context, e Entry) (*protocol.Ack, error) {
		sent = append(sent, e.Token)
		return &protocol.Ack{Token: e.Token}, nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, tokens, sent)
	pending, _ := o.Pending(ctx)
	assert.Empty(t, pending)
}

func TestDrainRetriesTimeoutWithSameToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOutboxStore()
	o := NewOutbox(store, time.Millisecond)

	tok, _ := o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "hi"})

	var sent []string
	err := o.Drain(ctx, func(_ context.Context, e Entry) (*protocol.Ack, error) {
		sent = append(sent, e.Token)
		if len(sent) < 3 {
			return nil, ErrAckTimeout
		}
		return &protocol.Ack{Token: e.Token}, nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{tok, tok, tok}, sent)
	pending, _ := store.List(ctx)
	assert.Empty(t, pending)
}

func TestDrainStopsOnConnectionLossAndKeepsEntry(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(NewMemoryOutboxStore(), time.Millisecond)

	first, _ := o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "one"})
	_, _ = o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "two"})

	lost := errors.New("broken pipe")
	err := o.Drain(ctx, func(context.Context, Entry) (*protocol.Ack, error) {
		return nil, lost
	}, nil)
	assert.ErrorIs(t, err, lost)

	pending, _ := o.Pending(ctx)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].Token)
}

func TestDrainCancelledLeavesEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := NewOutbox(NewMemoryOutboxStore(), time.Millisecond)

	tok, _ := o.Enqueue(context.Background(), &protocol.PrivateMessage{To: "bob", Content: "one"})

	err := o.Drain(ctx, func(ctx context.Context, _ Entry) (*protocol.Ack, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)

	pending, _ := o.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, tok, pending[0].Token)
}

func TestDrainRejections(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(NewMemoryOutboxStore(), time.Millisecond)

	bad, _ := o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "rejected"})
	flaky, _ := o.Enqueue(ctx, &protocol.PrivateMessage{To: "bob", Content: "flaky"})

	var rejected []string
	calls := map[string]int{}

	err := o.Drain(ctx, func(_ context.Context, e Entry) (*protocol.Ack, error) {
		calls[e.Token]++
		switch {
		case e.Token == bad:
			return nil, protocol.Validation("message content is empty")
		case calls[e.Token] == 1:
			return nil, protocol.Delivery("message store unavailable")
		}
		return &protocol.Ack{Token: e.Token}, nil
	}, func(e Entry, err *protocol.Error) {
		rejected = append(rejected, e.Token)
		assert.Equal(t, protocol.KindValidation, err.Kind)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{bad}, rejected)
	assert.Equal(t, 2, calls[flaky])
	pending, _ := o.Pending(ctx)
	assert.Empty(t, pending)
}
