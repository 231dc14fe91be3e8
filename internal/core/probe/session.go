package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/ports"
	"github.com/samirrijal/mapprobe/internal/pkg/debounce"
	"github.com/samirrijal/mapprobe/internal/pkg/geospatial"
)

const (
	DefaultViewportDelay  = 250 * time.Millisecond
	DefaultElevationDelay = 500 * time.Millisecond

	keyViewport  = "viewport"
	keyElevation = "elevation"

	inboxSize = 64
)

// ViewportSource exposes the map's current visible extent. It is only read
// from the session's event loop.
type ViewportSource interface {
	Bounds() domain.BoundingBox
}

// Hooks are optional observers invoked from the event loop. They must not
// block.
type Hooks struct {
	Coalesced   func(key string)
	QueryIssued func(q domain.ElevationQuery)
	Settled     func(q domain.ElevationQuery)
	Stale       func(q domain.ElevationQuery)
}

// Config wires a Session.
type Config struct {
	ID             string
	Lookup         ports.ElevationLookup
	Render         func(domain.ProbeState)
	ViewportDelay  time.Duration
	ElevationDelay time.Duration
	// Source overrides the viewport extent reported through ViewportChanged.
	Source ViewportSource
	Clock  clock.Clock
	Logger *slog.Logger
	Hooks  Hooks
}

// trackedViewport is the default ViewportSource: the last bounds the map
// reported.
type trackedViewport struct{ box domain.BoundingBox }

func (t *trackedViewport) Bounds() domain.BoundingBox { return t.box }

// Session is one mounted map view. All state lives in a single goroutine;
// the exported methods, timer callbacks and lookup completions only enqueue
// work for it.
type Session struct {
	id        string
	lookup    ports.ElevationLookup
	render    func(domain.ProbeState)
	vpDelay   time.Duration
	elDelay   time.Duration
	clock     clock.Clock
	log       *slog.Logger
	hooks     Hooks
	sched     *debounce.Scheduler
	tracked   *trackedViewport
	source    ViewportSource
	inbox     chan func()
	done      chan struct{}
	exited    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	disposed  chan struct{}
	closeOnce sync.Once

	// owned by the event loop
	state State
}

// New mounts a session on the given initial viewport. The bounding box is
// derived immediately, without waiting for the viewport debounce, and the
// initial state is rendered before New returns.
func New(cfg Config, initial domain.BoundingBox) (*Session, error) {
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("probe session: elevation lookup is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if cfg.ViewportDelay <= 0 {
		cfg.ViewportDelay = DefaultViewportDelay
	}
	if cfg.ElevationDelay <= 0 {
		cfg.ElevationDelay = DefaultElevationDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Render == nil {
		cfg.Render = func(domain.ProbeState) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       cfg.ID,
		lookup:   cfg.Lookup,
		render:   cfg.Render,
		vpDelay:  cfg.ViewportDelay,
		elDelay:  cfg.ElevationDelay,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("session_id", cfg.ID),
		hooks:    cfg.Hooks,
		tracked:  &trackedViewport{box: initial},
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		disposed: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    InitialState(),
	}
	s.source = cfg.Source
	if s.source == nil {
		s.source = s.tracked
	}
	s.sched = debounce.New(
		debounce.WithClock(cfg.Clock),
		debounce.WithCoalesceHook(cfg.Hooks.Coalesced),
	)

	s.state = Reduce(s.state, BoundsDerived{Box: s.source.Bounds()})
	// The loop is not running yet, so the first render happens on the caller.
	s.emit()

	go s.run()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been disposed.
func (s *Session) Done() <-chan struct{} { return s.disposed }

// ViewportChanged records the new extent and schedules a bounding box
// refresh. The refresh reads the viewport when it fires, not now.
func (s *Session) ViewportChanged(b domain.BoundingBox) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return s.enqueue(func() {
		s.tracked.box = b
		s.sched.Schedule(keyViewport, s.vpDelay, func() {
			s.post(s.deriveBounds)
		})
	})
}

// PointerMoved updates the displayed coordinate right away and schedules an
// elevation lookup for it once the pointer has been still long enough.
func (s *Session) PointerMoved(at domain.Coordinate) error {
	at.Lng = geospatial.WrapLongitude(at.Lng)
	if err := at.Validate(); err != nil {
		return err
	}
	return s.enqueue(func() {
		s.apply(PointerMoved{At: at})
		s.sched.Schedule(keyElevation, s.elDelay, func() {
			s.post(func() { s.issue(at) })
		})
	})
}

// ToggleOverlay flips the overlay layer visibility.
func (s *Session) ToggleOverlay() error {
	return s.enqueue(func() { s.apply(OverlayToggled{}) })
}

// State returns a snapshot taken after every event enqueued before the call
// has been processed.
func (s *Session) State(ctx context.Context) (domain.ProbeState, error) {
	reply := make(chan domain.ProbeState, 1)
	if err := s.enqueue(func() { reply <- s.state.View.Clone() }); err != nil {
		return domain.ProbeState{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return domain.ProbeState{}, domain.ErrSessionClosed
	case <-ctx.Done():
		return domain.ProbeState{}, ctx.Err()
	}
}

// Dispose unmounts the session: both debounce keys are cancelled, in-flight
// lookups are abandoned and no further generation can be issued. It is safe
// to call more than once and from any goroutine.
func (s *Session) Dispose() {
	s.closeOnce.Do(func() {
		s.sched.Cancel(keyViewport)
		s.sched.Cancel(keyElevation)
		s.sched.Stop()
		s.cancel()
		close(s.done)
		<-s.exited

		s.state = Reduce(s.state, Disposed{})
		close(s.disposed)
		s.log.Debug("probe session disposed")
	})
}

func (s *Session) run() {
	defer close(s.exited)
	for {
		select {
		case fn := <-s.inbox:
			if s.ctx.Err() != nil {
				return
			}
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueue(fn func()) error {
	if !s.post(fn) {
		return domain.ErrSessionClosed
	}
	return nil
}

// post hands fn to the event loop. It never blocks once the session is
// closing, so late timer callbacks and lookup completions are dropped.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) apply(ev Event) {
	s.state = Reduce(s.state, ev)
	s.emit()
}

func (s *Session) emit() {
	s.render(s.state.View.Clone())
}

func (s *Session) deriveBounds() {
	s.apply(BoundsDerived{Box: s.source.Bounds()})
}

// issue starts the lookup for at under a fresh generation. The outcome is
// posted back to the loop and checked against newer generations there.
func (s *Session) issue(at domain.Coordinate) {
	if s.ctx.Err() != nil || s.state.Disposed {
		return
	}
	s.state = Reduce(s.state, QueryIssued{})
	q := domain.ElevationQuery{
		SessionID:  s.id,
		Generation: s.state.Issued,
		Target:     at,
		Status:     domain.QueryPending,
		IssuedAt:   s.clock.Now(),
	}
	if s.hooks.QueryIssued != nil {
		s.hooks.QueryIssued(q)
	}
	s.log.Debug("elevation query issued", "generation", q.Generation, "target", at.String())

	ctx := s.ctx
	go func() {
		elev, err := s.lookup.Lookup(ctx, at)
		s.post(func() { s.settle(q, elev, err) })
	}()
}

func (s *Session) settle(q domain.ElevationQuery, elev float64, err error) {
	settledAt := s.clock.Now()
	q.SettledAt = &settledAt
	if err != nil {
		q.Status = domain.QueryFailed
		q.Error = err.Error()
	} else {
		q.Status = domain.QuerySucceeded
		q.Elevation = &elev
	}

	before := s.state.Applied
	s.state = Reduce(s.state, QuerySettled{Generation: q.Generation, Elevation: elev, Err: err})
	q.Applied = s.state.Applied != before

	switch {
	case !q.Applied:
		s.log.Debug("stale elevation result discarded",
			"generation", q.Generation, "applied", s.state.Applied)
		if s.hooks.Stale != nil {
			s.hooks.Stale(q)
		}
	case err != nil:
		s.log.Warn("elevation lookup failed", "generation", q.Generation, "target", q.Target.String(), "error", err)
		s.emit()
	default:
		s.emit()
	}

	if s.hooks.Settled != nil {
		s.hooks.Settled(q)
	}
}
