package http

import (
	"context"

	"github.com/samirrijal/mapprobe/internal/core/usecases"
)

// Pinger is a backing service that can be health-checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity reports the state of a long-lived broker connection.
type Connectivity interface {
	Connected() bool
}

// Dependencies holds all services needed by HTTP handlers. Optional backing
// services are left nil when disabled.
type Dependencies struct {
	Elevation *usecases.ElevationService
	Probes    *usecases.ProbeService
	DB        Pinger
	Cache     Pinger
	NATS      Connectivity
	Version   string
}
