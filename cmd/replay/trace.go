package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

// Event is one line of a recorded map trace.
type Event struct {
	AtMS   int64               `json:"at_ms"`
	Type   string              `json:"type"`
	Bounds *domain.BoundingBox `json:"bounds,omitempty"`
	Lat    float64             `json:"lat,omitempty"`
	Lng    float64             `json:"lng,omitempty"`
}

const (
	eventMount    = "mount"
	eventViewport = "viewport"
	eventPointer  = "pointer"
	eventToggle   = "toggle_overlay"
	eventDispose  = "dispose"
)

var errEmptyTrace = errors.New("trace has no events")

// At is the offset of the event from the start of the trace.
func (e Event) At() time.Duration { return time.Duration(e.AtMS) * time.Millisecond }

// ParseTrace reads JSON lines. Blank lines and lines starting with # are
// skipped. The first event must be a mount and offsets must not go
// backwards.
func ParseTrace(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(events) == 0 && ev.Type != eventMount {
			return nil, fmt.Errorf("line %d: trace must start with %q, got %q", line, eventMount, ev.Type)
		}
		if len(events) > 0 {
			if ev.Type == eventMount {
				return nil, fmt.Errorf("line %d: duplicate mount", line)
			}
			if ev.AtMS < events[len(events)-1].AtMS {
				return nil, fmt.Errorf("line %d: at_ms %d is before the previous event", line, ev.AtMS)
			}
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errEmptyTrace
	}
	return events, nil
}

func (e Event) validate() error {
	if e.AtMS < 0 {
		return fmt.Errorf("negative at_ms %d", e.AtMS)
	}
	switch e.Type {
	case eventMount, eventViewport:
		if e.Bounds == nil {
			return fmt.Errorf("%s event needs bounds", e.Type)
		}
		return e.Bounds.Validate()
	case eventPointer:
		return domain.Coordinate{Lat: e.Lat, Lng: e.Lng}.Validate()
	case eventToggle, eventDispose:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}
