package fanout

import (
	"context"

	"github.com/founditure/realtime/internal/registry"
)

// Presence answers whether a user holds a live connection on any process.
// It is derived from the registries, never stored as a separate record.
type Presence interface {
	Join(ctx context.Context, userID, handleID string) error
	Leave(ctx context.Context, userID, handleID string) error
	// Refresh extends the liveness of a connection; called on heartbeat.
	Refresh(ctx context.Context, userID, handleID string) error
	Online(ctx context.Context, userID string) (bool, error)
}

// LocalPresence reads the local registry. It is exact for a single process.
type LocalPresence struct {
	registry *registry.Registry
}

func NewLocalPresence(reg *registry.Registry) *LocalPresence {
	return &LocalPresence{registry: reg}
}

func (p *LocalPresence) Join(context.Context, string, string) error    { return nil }
func (p *LocalPresence) Leave(context.Context, string, string) error   { return nil }
func (p *LocalPresence) Refresh(context.Context, string, string) error { return nil }

func (p *LocalPresence) Online(_ context.Context, userID string) (bool, error) {
	return p.registry.Online(userID), nil
}
