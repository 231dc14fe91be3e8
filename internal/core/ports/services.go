package ports

import (
	"context"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

// ElevationLookup resolves the ground elevation, in feet, at a coordinate.
type ElevationLookup interface {
	Lookup(ctx context.Context, at domain.Coordinate) (float64, error)
}

// StatePublisher fans probe state snapshots out to a message broker.
type StatePublisher interface {
	PublishState(ctx context.Context, sessionID string, state domain.ProbeState) error
}

// CacheService provides read-through caching.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// Renderer receives a probe state snapshot after every change. It is called
// from the session's event loop and must not block for long.
type Renderer interface {
	Render(sessionID string, state domain.ProbeState)
}

// RenderFunc adapts a plain function to Renderer.
type RenderFunc func(sessionID string, state domain.ProbeState)

func (f RenderFunc) Render(sessionID string, state domain.ProbeState) { f(sessionID, state) }
