package probe_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/probe"
)

// --- Controllable elevation lookup ---

type lookupResult struct {
	elevation float64
	err       error
}

type lookupCall struct {
	at    domain.Coordinate
	reply chan lookupResult
}

// blockingLookup hands every call to the test, which decides when and how
// it completes.
type blockingLookup struct {
	calls chan lookupCall
}

func newBlockingLookup() *blockingLookup {
	return &blockingLookup{calls: make(chan lookupCall, 16)}
}

func (l *blockingLookup) Lookup(ctx context.Context, at domain.Coordinate) (float64, error) {
	call := lookupCall{at: at, reply: make(chan lookupResult, 1)}
	l.calls <- call
	select {
	case r := <-call.reply:
		return r.elevation, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *blockingLookup) next(t *testing.T) lookupCall {
	t.Helper()
	select {
	case c := <-l.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected an elevation lookup, got none")
		return lookupCall{}
	}
}

func (l *blockingLookup) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case c := <-l.calls:
		t.Fatalf("unexpected elevation lookup for %v", c.at)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- Helpers ---

var initialBounds = domain.BoundingBox{West: -180, South: -90, East: 180, North: 90}

type harness struct {
	session *probe.Session
	mock    *clock.Mock
	lookup  *blockingLookup
	settled chan domain.ElevationQuery

	mu      sync.Mutex
	renders int
}

func newHarness(t *testing.T, opts ...func(*probe.Config)) *harness {
	t.Helper()
	h := &harness{
		mock:    clock.NewMock(),
		lookup:  newBlockingLookup(),
		settled: make(chan domain.ElevationQuery, 16),
	}
	cfg := probe.Config{
		ID:     "test-session",
		Lookup: h.lookup,
		Clock:  h.mock,
		Render: func(domain.ProbeState) {
			h.mu.Lock()
			h.renders++
			h.mu.Unlock()
		},
		Hooks: probe.Hooks{
			Settled: func(q domain.ElevationQuery) { h.settled <- q },
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := probe.New(cfg, initialBounds)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Dispose)
	h.session = s
	return h
}

func (h *harness) state(t *testing.T) domain.ProbeState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.session.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

func (h *harness) renderCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renders
}

func (h *harness) waitSettled(t *testing.T) domain.ElevationQuery {
	t.Helper()
	select {
	case q := <-h.settled:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("expected a settled query, got none")
		return domain.ElevationQuery{}
	}
}

// move reports a pointer position and waits for the loop to process it.
func (h *harness) move(t *testing.T, lat, lng float64) domain.ProbeState {
	t.Helper()
	if err := h.session.PointerMoved(domain.Coordinate{Lat: lat, Lng: lng}); err != nil {
		t.Fatalf("pointer moved: %v", err)
	}
	return h.state(t)
}

// issueAt moves the pointer and lets the elevation debounce expire.
func (h *harness) issueAt(t *testing.T, lat, lng float64) lookupCall {
	t.Helper()
	h.move(t, lat, lng)
	h.mock.Add(probe.DefaultElevationDelay)
	return h.lookup.next(t)
}

// --- Tests ---

func TestSession_InitialBoundingBoxWithoutDelay(t *testing.T) {
	h := newHarness(t)

	st := h.state(t)
	if st.BBox == nil || *st.BBox != initialBounds {
		t.Fatalf("expected initial bbox %v, got %v", initialBounds, st.BBox)
	}
	if !st.ShowOverlay() {
		t.Error("overlay should be shown at mount")
	}
	if st.LastPointer != nil || st.Elevation != nil || st.ElevationError != nil {
		t.Errorf("expected empty pointer/elevation at mount, got %+v", st)
	}
}

func TestSession_InitialRenderBeforeNewReturns(t *testing.T) {
	var rendered []domain.ProbeState
	s, err := probe.New(probe.Config{
		Lookup: newBlockingLookup(),
		Clock:  clock.NewMock(),
		Render: func(st domain.ProbeState) { rendered = append(rendered, st) },
	}, initialBounds)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Dispose()

	// No synchronisation on purpose: the render must already be visible.
	if len(rendered) != 1 {
		t.Fatalf("expected 1 render by the time New returns, got %d", len(rendered))
	}
	if rendered[0].BBox == nil || *rendered[0].BBox != initialBounds {
		t.Errorf("initial render missing bbox: %+v", rendered[0])
	}
}

func TestSession_PointerBurstIssuesSingleQuery(t *testing.T) {
	h := newHarness(t)

	st := h.move(t, 10.0, 20.0)
	if st.LastPointer == nil || *st.LastPointer != (domain.Coordinate{Lat: 10.0, Lng: 20.0}) {
		t.Fatalf("pointer should update immediately, got %v", st.LastPointer)
	}

	h.mock.Add(100 * time.Millisecond)
	st = h.move(t, 10.1, 20.1)
	if *st.LastPointer != (domain.Coordinate{Lat: 10.1, Lng: 20.1}) {
		t.Fatalf("pointer should follow second move, got %v", st.LastPointer)
	}
	h.lookup.expectIdle(t)

	h.mock.Add(probe.DefaultElevationDelay)
	call := h.lookup.next(t)
	if call.at != (domain.Coordinate{Lat: 10.1, Lng: 20.1}) {
		t.Errorf("expected lookup for last coordinate, got %v", call.at)
	}
	h.lookup.expectIdle(t)

	call.reply <- lookupResult{elevation: 321.5}
	q := h.waitSettled(t)
	if q.Generation != 1 || !q.Applied {
		t.Errorf("expected generation 1 applied, got %+v", q)
	}
	st = h.state(t)
	if st.Elevation == nil || *st.Elevation != 321.5 {
		t.Errorf("expected elevation 321.5, got %v", st.Elevation)
	}
}

func TestSession_OlderResponseNeverOverwritesNewer(t *testing.T) {
	h := newHarness(t)

	first := h.issueAt(t, 0, 0)
	h.mock.Add(10 * time.Millisecond)
	second := h.issueAt(t, 1, 1)

	second.reply <- lookupResult{elevation: 50}
	if q := h.waitSettled(t); q.Generation != 2 || !q.Applied {
		t.Fatalf("expected generation 2 applied, got %+v", q)
	}

	first.reply <- lookupResult{elevation: 10}
	if q := h.waitSettled(t); q.Generation != 1 || q.Applied {
		t.Fatalf("expected generation 1 discarded, got %+v", q)
	}

	st := h.state(t)
	if st.Elevation == nil || *st.Elevation != 50 {
		t.Errorf("expected elevation 50, got %v", st.Elevation)
	}
	if st.ElevationError != nil {
		t.Errorf("expected no error, got %q", *st.ElevationError)
	}
}

func TestSession_StaleFailureIsDiscarded(t *testing.T) {
	h := newHarness(t)

	first := h.issueAt(t, 0, 0)
	second := h.issueAt(t, 1, 1)

	second.reply <- lookupResult{elevation: 75}
	h.waitSettled(t)
	first.reply <- lookupResult{err: errors.New("HTTP 500")}
	h.waitSettled(t)

	st := h.state(t)
	if st.ElevationError != nil || st.Elevation == nil || *st.Elevation != 75 {
		t.Errorf("stale failure leaked into state: %+v", st)
	}
}

func TestSession_FailureThenSuccessKeepsFieldsExclusive(t *testing.T) {
	h := newHarness(t)

	call := h.issueAt(t, 5, 5)
	call.reply <- lookupResult{err: errors.New("HTTP 500")}
	h.waitSettled(t)

	st := h.state(t)
	if st.Elevation != nil {
		t.Errorf("expected nil elevation after failure, got %v", *st.Elevation)
	}
	if st.ElevationError == nil || *st.ElevationError == "" {
		t.Fatal("expected a non-empty elevation error")
	}

	call = h.issueAt(t, 6, 6)
	call.reply <- lookupResult{elevation: 12}
	h.waitSettled(t)

	st = h.state(t)
	if st.ElevationError != nil {
		t.Errorf("expected error cleared, got %q", *st.ElevationError)
	}
	if st.Elevation == nil || *st.Elevation != 12 {
		t.Errorf("expected elevation 12, got %v", st.Elevation)
	}
}

func TestSession_ViewportDebounceUsesLatestExtent(t *testing.T) {
	h := newHarness(t)

	b1 := domain.BoundingBox{West: -10, South: -10, East: 10, North: 10}
	b2 := domain.BoundingBox{West: 170, South: -5, East: -170, North: 5}

	if err := h.session.ViewportChanged(b1); err != nil {
		t.Fatal(err)
	}
	h.state(t)
	h.mock.Add(100 * time.Millisecond)
	if err := h.session.ViewportChanged(b2); err != nil {
		t.Fatal(err)
	}
	if st := h.state(t); *st.BBox != initialBounds {
		t.Fatalf("bbox must not change before the debounce expires, got %v", st.BBox)
	}

	h.mock.Add(probe.DefaultViewportDelay)
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := h.state(t)
		if *st.BBox == b2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected bbox %v, got %v", b2, st.BBox)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type mutableSource struct {
	mu  sync.Mutex
	box domain.BoundingBox
}

func (m *mutableSource) Bounds() domain.BoundingBox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.box
}

func (m *mutableSource) set(b domain.BoundingBox) {
	m.mu.Lock()
	m.box = b
	m.mu.Unlock()
}

func TestSession_BoundingBoxReadAtFireTime(t *testing.T) {
	src := &mutableSource{box: initialBounds}
	h := newHarness(t, func(c *probe.Config) { c.Source = src })

	moved := domain.BoundingBox{West: 1, South: 2, East: 3, North: 4}
	if err := h.session.ViewportChanged(moved); err != nil {
		t.Fatal(err)
	}
	h.state(t)

	later := domain.BoundingBox{West: 5, South: 6, East: 7, North: 8}
	src.set(later)
	h.mock.Add(probe.DefaultViewportDelay)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := h.state(t)
		if *st.BBox == later {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected bbox from source at fire time %v, got %v", later, st.BBox)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ToggleOverlayTwiceRestores(t *testing.T) {
	h := newHarness(t)
	before := h.state(t).ShowOverlay()

	if err := h.session.ToggleOverlay(); err != nil {
		t.Fatal(err)
	}
	if h.state(t).ShowOverlay() == before {
		t.Fatal("first toggle should flip visibility")
	}
	if err := h.session.ToggleOverlay(); err != nil {
		t.Fatal(err)
	}
	if h.state(t).ShowOverlay() != before {
		t.Error("second toggle should restore visibility")
	}
}

func TestSession_DisposeCancelsPendingWork(t *testing.T) {
	h := newHarness(t)

	h.move(t, 1, 2)
	if err := h.session.ViewportChanged(domain.BoundingBox{West: 0, South: 0, East: 1, North: 1}); err != nil {
		t.Fatal(err)
	}
	h.state(t)

	h.session.Dispose()
	h.mock.Add(time.Second)
	h.lookup.expectIdle(t)

	select {
	case <-h.session.Done():
	default:
		t.Fatal("Done should be closed after Dispose")
	}

	if err := h.session.PointerMoved(domain.Coordinate{Lat: 3, Lng: 4}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := h.session.State(context.Background()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from State, got %v", err)
	}

	// idempotent
	h.session.Dispose()
}

func TestSession_CompletionAfterDisposeIsNoop(t *testing.T) {
	h := newHarness(t)

	call := h.issueAt(t, 1, 1)
	rendered := h.renderCount()

	h.session.Dispose()
	call.reply <- lookupResult{elevation: 99}

	time.Sleep(50 * time.Millisecond)
	if got := h.renderCount(); got != rendered {
		t.Errorf("render after dispose: %d renders before, %d after", rendered, got)
	}
	select {
	case q := <-h.settled:
		t.Errorf("settle hook ran after dispose: %+v", q)
	default:
	}
}

func TestSession_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	err := h.session.PointerMoved(domain.Coordinate{Lat: 95, Lng: 0})
	if !errors.Is(err, domain.ErrInvalidCoordinate) {
		t.Errorf("expected ErrInvalidCoordinate, got %v", err)
	}
	err = h.session.ViewportChanged(domain.BoundingBox{West: 0, South: 10, East: 1, North: -10})
	if !errors.Is(err, domain.ErrInvalidBounds) {
		t.Errorf("expected ErrInvalidBounds, got %v", err)
	}

	st := h.move(t, 10, 190)
	if st.LastPointer.Lng != -170 {
		t.Errorf("expected wrapped longitude -170, got %v", st.LastPointer.Lng)
	}
}

func TestNew_RequiresLookup(t *testing.T) {
	if _, err := probe.New(probe.Config{}, initialBounds); err == nil {
		t.Error("expected error without lookup")
	}
}
