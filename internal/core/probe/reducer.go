// Package probe coordinates the viewport and pointer event streams of one
// mounted map view into bounding-box and elevation state.
package probe

import "github.com/samirrijal/mapprobe/internal/core/domain"

// State is everything the event loop owns: the display snapshot plus the
// generation bookkeeping used to reject out-of-order lookup results.
type State struct {
	View domain.ProbeState

	// Issued is the last generation handed out. Applied is the newest
	// generation whose outcome is reflected in View.
	Issued  uint64
	Applied uint64

	Disposed bool
}

// InitialState is the state at mount: nothing known yet, overlay shown.
func InitialState() State {
	return State{View: domain.ProbeState{Overlay: domain.OverlayShown}}
}

// Event is an input to Reduce.
type Event interface{ isEvent() }

// PointerMoved records the coordinate under the cursor.
type PointerMoved struct{ At domain.Coordinate }

// BoundsDerived replaces the displayed bounding box.
type BoundsDerived struct{ Box domain.BoundingBox }

// QueryIssued hands out the next generation.
type QueryIssued struct{}

// QuerySettled carries the outcome of the lookup issued as Generation.
type QuerySettled struct {
	Generation uint64
	Elevation  float64
	Err        error
}

// OverlayToggled flips the overlay visibility.
type OverlayToggled struct{}

// Disposed marks the view as unmounted; every later event is ignored.
type Disposed struct{}

func (PointerMoved) isEvent()   {}
func (BoundsDerived) isEvent()  {}
func (QueryIssued) isEvent()    {}
func (QuerySettled) isEvent()   {}
func (OverlayToggled) isEvent() {}
func (Disposed) isEvent()       {}

// Reduce returns the state that follows s after ev. It never mutates s.
func Reduce(s State, ev Event) State {
	if s.Disposed {
		return s
	}
	next := s
	next.View = s.View.Clone()

	switch e := ev.(type) {
	case PointerMoved:
		at := e.At
		next.View.LastPointer = &at

	case BoundsDerived:
		box := e.Box
		next.View.BBox = &box

	case QueryIssued:
		next.Issued++

	case QuerySettled:
		// Results are ordered by issue, not by arrival: anything not newer
		// than what is already displayed is dropped.
		if e.Generation <= s.Applied || e.Generation > s.Issued {
			return s
		}
		next.Applied = e.Generation
		if e.Err != nil {
			msg := domain.ElevationUnavailableMessage
			next.View.Elevation = nil
			next.View.ElevationError = &msg
		} else {
			elev := e.Elevation
			next.View.Elevation = &elev
			next.View.ElevationError = nil
		}

	case OverlayToggled:
		next.View.Overlay = s.View.Overlay.Toggle()

	case Disposed:
		next.Disposed = true
	}
	return next
}
