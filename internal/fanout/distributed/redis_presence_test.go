package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewRedisPresence(client, "", 30*time.Second)
	p.now = func() time.Time { return clock }
	ctx := context.Background()

	online, err := p.Online(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, p.Join(ctx, "alice", "phone"))
	require.NoError(t, p.Join(ctx, "alice", "laptop"))

	online, err = p.Online(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, p.Leave(ctx, "alice", "phone"))
	online, err = p.Online(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online, "laptop is still connected")

	require.NoError(t, p.Leave(ctx, "alice", "laptop"))
	online, err = p.Online(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisPresenceExpiresWithoutRefresh(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewRedisPresence(client, "test:presence", 30*time.Second)
	p.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, p.Join(ctx, "bob", "tablet"))
	require.NoError(t, p.Join(ctx, "bob", "phone"))

	clock = clock.Add(20 * time.Second)
	require.NoError(t, p.Refresh(ctx, "bob", "phone"))

	clock = clock.Add(20 * time.Second)
	online, err := p.Online(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online, "phone was refreshed")

	members, err := client.ZCard(ctx, "test:presence:bob").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, members)

	clock = clock.Add(30 * time.Second)
	online, err = p.Online(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
}
