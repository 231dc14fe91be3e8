package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ElevationUnavailableMessage is what the render target shows when the
// latest elevation lookup failed. The cause is logged, not displayed.
const ElevationUnavailableMessage = "Failed to fetch elevation data."

// QueryStatus is the lifecycle stage of an ElevationQuery.
type QueryStatus string

const (
	QueryPending   QueryStatus = "pending"
	QuerySucceeded QueryStatus = "succeeded"
	QueryFailed    QueryStatus = "failed"
)

// ElevationQuery is one issued lookup. Generation is strictly increasing
// within a session; only the newest settled generation is ever displayed.
type ElevationQuery struct {
	SessionID  string      `json:"session_id"`
	Generation uint64      `json:"generation"`
	Target     Coordinate  `json:"target"`
	Status     QueryStatus `json:"status"`
	Elevation  *float64    `json:"elevation,omitempty"` // feet
	Error      string      `json:"error,omitempty"`
	Applied    bool        `json:"applied"`
	IssuedAt   time.Time   `json:"issued_at"`
	SettledAt  *time.Time  `json:"settled_at,omitempty"`
}

// OverlayState is the visibility of the secondary map layer.
type OverlayState uint8

const (
	OverlayShown OverlayState = iota
	OverlayHidden
)

// Toggle flips the overlay between shown and hidden.
func (o OverlayState) Toggle() OverlayState {
	if o == OverlayShown {
		return OverlayHidden
	}
	return OverlayShown
}

func (o OverlayState) Visible() bool { return o == OverlayShown }

func (o OverlayState) String() string {
	if o == OverlayShown {
		return "shown"
	}
	return "hidden"
}

// MarshalText encodes the state as "shown" or "hidden".
func (o OverlayState) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OverlayState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "shown":
		*o = OverlayShown
	case "hidden":
		*o = OverlayHidden
	default:
		return fmt.Errorf("unknown overlay state %q", text)
	}
	return nil
}

// ProbeState is the display snapshot handed to render targets.
// Elevation and ElevationError are never both set.
type ProbeState struct {
	LastPointer    *Coordinate  `json:"last_pointer"`
	Elevation      *float64     `json:"elevation"` // feet
	ElevationError *string      `json:"elevation_error"`
	BBox           *BoundingBox `json:"bbox"`
	Overlay        OverlayState `json:"overlay"`
}

// ShowOverlay reports whether the secondary layer should be composited.
func (s ProbeState) ShowOverlay() bool { return s.Overlay.Visible() }

// MarshalJSON adds the derived show_overlay flag next to overlay.
func (s ProbeState) MarshalJSON() ([]byte, error) {
	type plain ProbeState
	return json.Marshal(struct {
		plain
		ShowOverlay bool `json:"show_overlay"`
	}{plain: plain(s), ShowOverlay: s.ShowOverlay()})
}

// Clone returns a deep copy so snapshots can leave the event loop safely.
func (s ProbeState) Clone() ProbeState {
	out := ProbeState{Overlay: s.Overlay}
	if s.LastPointer != nil {
		p := *s.LastPointer
		out.LastPointer = &p
	}
	if s.Elevation != nil {
		e := *s.Elevation
		out.Elevation = &e
	}
	if s.ElevationError != nil {
		msg := *s.ElevationError
		out.ElevationError = &msg
	}
	if s.BBox != nil {
		b := *s.BBox
		out.BBox = &b
	}
	return out
}
