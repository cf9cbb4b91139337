package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/founditure/realtime/internal/delivery"
)

func TestApplyStampsTimestamps(t *testing.T) {
	msg := &Message{ID: NewID(), Content: "hello", Status: delivery.StatusSent}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	changed, err := msg.Apply(delivery.StatusRead, at)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, msg.ReadAt)
	require.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, at, *msg.ReadAt)

	changed, err = msg.Apply(delivery.StatusRead, at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, at, *msg.ReadAt)
}

func TestApplyRejectsBackwards(t *testing.T) {
	msg := &Message{Status: delivery.StatusRead}
	_, err := msg.Apply(delivery.StatusSent, time.Now())
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
	assert.Equal(t, delivery.StatusRead, msg.Status)
}

func TestApplyDeleteRedacts(t *testing.T) {
	msg := &Message{Content: "secret", Status: delivery.StatusDelivered}
	changed, err := msg.Apply(delivery.StatusDeleted, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, RedactedContent, msg.Content)
}

func TestNewIDIsSortable(t *testing.T) {
	first := NewID()
	time.Sleep(2 * time.Millisecond)
	second := NewID()
	assert.Less(t, first, second)
}
