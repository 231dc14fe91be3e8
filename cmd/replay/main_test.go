package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/usecases"
)

type fixedLookup struct{ elevation float64 }

func (f fixedLookup) Lookup(ctx context.Context, at domain.Coordinate) (float64, error) {
	return f.elevation, nil
}

func TestReplayWritesTransitions(t *testing.T) {
	box := domain.BoundingBox{West: -1, South: -1, East: 1, North: 1}
	events := []Event{
		{AtMS: 0, Type: eventMount, Bounds: &box},
		{AtMS: 10, Type: eventPointer, Lat: 0.5, Lng: 0.5},
		{AtMS: 20, Type: eventToggle},
	}
	probes := usecases.NewProbeService(fixedLookup{elevation: 1234}, nil, nil, usecases.ProbeOptions{
		ViewportDelay:  20 * time.Millisecond,
		ElevationDelay: 20 * time.Millisecond,
	})

	var out bytes.Buffer
	if err := replay(context.Background(), probes, events, 1, 300*time.Millisecond, &out); err != nil {
		t.Fatalf("replay: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := probes.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var states []domain.ProbeState
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var tr transition
		if err := json.Unmarshal(sc.Bytes(), &tr); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		states = append(states, tr.State)
	}
	if len(states) < 3 {
		t.Fatalf("expected at least 3 transitions, got %d", len(states))
	}
	if states[0].BBox == nil || *states[0].BBox != box {
		t.Errorf("first transition should carry the mount bbox, got %+v", states[0].BBox)
	}
	last := states[len(states)-1]
	if last.Elevation == nil || *last.Elevation != 1234 {
		t.Errorf("expected final elevation 1234, got %v", last.Elevation)
	}
	if last.Overlay != domain.OverlayHidden {
		t.Errorf("expected overlay hidden after toggle, got %v", last.Overlay)
	}
}

func TestReplayStopsAtDispose(t *testing.T) {
	box := domain.BoundingBox{West: 0, South: 0, East: 1, North: 1}
	events := []Event{
		{AtMS: 0, Type: eventMount, Bounds: &box},
		{AtMS: 5, Type: eventDispose},
	}
	probes := usecases.NewProbeService(fixedLookup{}, nil, nil, usecases.ProbeOptions{})

	begin := time.Now()
	var out bytes.Buffer
	if err := replay(context.Background(), probes, events, 1, 5*time.Second, &out); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Error("replay should return at dispose without waiting for settle")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := probes.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if probes.Count() != 0 {
		t.Errorf("expected no live sessions, got %d", probes.Count())
	}
}
