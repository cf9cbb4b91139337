package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "push:test")
	ctx := context.Background()

	require.NoError(t, q.Notify(ctx, Notification{UserID: "bob", Kind: KindMessage, MessageID: "m1"}))
	require.NoError(t, q.Notify(ctx, Notification{UserID: "bob", Kind: KindMessage, MessageID: "m2"}))

	items, err := mr.List("push:test")
	require.NoError(t, err)
	require.Len(t, items, 2)

	// LPUSH: newest at the head, so the worker BRPOPs in order.
	var oldest Notification
	require.NoError(t, json.Unmarshal([]byte(items[1]), &oldest))
	assert.Equal(t, "m1", oldest.MessageID)
	assert.Equal(t, "bob", oldest.UserID)
	assert.False(t, oldest.CreatedAt.IsZero())
}

func TestRedisQueueUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisQueue(client, "push:test").Notify(context.Background(), Notification{UserID: "bob"})
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(zerolog.New(&buf))

	require.NoError(t, n.Notify(context.Background(), Notification{UserID: "carol", Kind: KindMessage, ThreadID: "dm:a:carol"}))
	assert.Contains(t, buf.String(), `"user_id":"carol"`)
	assert.Contains(t, buf.String(), `"thread_id":"dm:a:carol"`)

	assert.NoError(t, Noop().Notify(context.Background(), Notification{}))
}
