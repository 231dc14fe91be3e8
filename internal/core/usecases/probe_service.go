package usecases

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/ports"
	"github.com/samirrijal/mapprobe/internal/core/probe"
	"github.com/samirrijal/mapprobe/internal/pkg/metrics"
)

const sideEffectTimeout = 5 * time.Second

// ErrQueryLogDisabled is returned by RecentQueries when no repository is wired.
var ErrQueryLogDisabled = errors.New("query log is not enabled")

// ProbeOptions tunes the sessions a ProbeService opens.
type ProbeOptions struct {
	ViewportDelay  time.Duration
	ElevationDelay time.Duration
	Clock          clock.Clock
}

// ProbeService owns every mounted probe session. It wires sessions to
// metrics, the query log and the state publisher, and disposes them all on
// Shutdown.
type ProbeService struct {
	lookup    ports.ElevationLookup
	queries   ports.QueryLogRepository
	publisher ports.StatePublisher
	opts      ProbeOptions

	mu       sync.RWMutex
	sessions map[string]*probe.Session
	closed   bool

	wg sync.WaitGroup
}

// NewProbeService creates a new ProbeService. queries and publisher may be nil.
func NewProbeService(
	lookup ports.ElevationLookup,
	queries ports.QueryLogRepository,
	publisher ports.StatePublisher,
	opts ProbeOptions,
) *ProbeService {
	return &ProbeService{
		lookup:    lookup,
		queries:   queries,
		publisher: publisher,
		opts:      opts,
		sessions:  make(map[string]*probe.Session),
	}
}

// Open mounts a new session on the initial viewport. render receives every
// state snapshot. The initial one is rendered on the caller before Open
// returns, later ones on the session's event loop; render must not block.
func (s *ProbeService) Open(initial domain.BoundingBox, render ports.Renderer) (*probe.Session, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, domain.ErrSessionClosed
	}

	id := uuid.NewString()
	var fanout *publishQueue
	if s.publisher != nil {
		fanout = newPublishQueue(id, s.publisher)
	}

	sess, err := probe.New(probe.Config{
		ID:     id,
		Lookup: s.lookup,
		Render: func(st domain.ProbeState) {
			if render != nil {
				render.Render(id, st)
			}
			if fanout != nil {
				fanout.offer(st)
			}
		},
		ViewportDelay:  s.opts.ViewportDelay,
		ElevationDelay: s.opts.ElevationDelay,
		Clock:          s.opts.Clock,
		Logger:         slog.Default(),
		Hooks: probe.Hooks{
			Coalesced:   func(key string) { metrics.DebounceCoalesced.WithLabelValues(key).Inc() },
			QueryIssued: func(domain.ElevationQuery) { metrics.QueriesIssued.Inc() },
			Stale:       func(domain.ElevationQuery) { metrics.StaleResults.Inc() },
			Settled:     s.record,
		},
	}, initial)
	if err != nil {
		if fanout != nil {
			fanout.close()
		}
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Dispose()
		if fanout != nil {
			fanout.close()
		}
		return nil, domain.ErrSessionClosed
	}
	s.sessions[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	go func() {
		defer s.wg.Done()
		<-sess.Done()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		metrics.ActiveSessions.Dec()
		if fanout != nil {
			fanout.close()
		}
	}()

	slog.Info("probe session opened", "session_id", id, "bbox", initial.String())
	return sess, nil
}

// Get returns a live session.
func (s *ProbeService) Get(id string) (*probe.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

// Snapshot returns the current state of a live session.
func (s *ProbeService) Snapshot(ctx context.Context, id string) (domain.ProbeState, error) {
	sess, err := s.Get(id)
	if err != nil {
		return domain.ProbeState{}, err
	}
	st, err := sess.State(ctx)
	if errors.Is(err, domain.ErrSessionClosed) {
		return domain.ProbeState{}, domain.ErrSessionNotFound
	}
	return st, err
}

// Close disposes a session by id.
func (s *ProbeService) Close(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.Dispose()
	return nil
}

// List returns the ids of all live sessions in lexical order.
func (s *ProbeService) List() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (s *ProbeService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RecentQueries pages through the settled query log, newest first.
func (s *ProbeService) RecentQueries(ctx context.Context, offset, limit int) ([]domain.ElevationQuery, int, error) {
	if s.queries == nil {
		return nil, 0, ErrQueryLogDisabled
	}
	return s.queries.ListRecent(ctx, offset, limit)
}

// Shutdown refuses new sessions, disposes every live one and waits for
// pending query-log writes and state publishes, or for ctx.
func (s *ProbeService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*probe.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.Dispose()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("probe sessions drained", "disposed", len(live))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ProbeService) record(q domain.ElevationQuery) {
	if s.queries == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := s.queries.Insert(ctx, &q); err != nil {
			slog.Warn("record elevation query failed",
				"session_id", q.SessionID, "generation", q.Generation, "error", err)
		}
	}()
}

// publishQueue forwards snapshots to the broker from its own goroutine,
// keeping only the newest unsent one so a slow broker never stalls the
// session's event loop.
type publishQueue struct {
	latest chan domain.ProbeState
	done   chan struct{}
}

func newPublishQueue(sessionID string, pub ports.StatePublisher) *publishQueue {
	q := &publishQueue{
		latest: make(chan domain.ProbeState, 1),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for st := range q.latest {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			if err := pub.PublishState(ctx, sessionID, st); err != nil {
				slog.Warn("publish probe state failed", "session_id", sessionID, "error", err)
			}
			cancel()
		}
	}()
	return q
}

// offer is only called from the session's event loop.
func (q *publishQueue) offer(st domain.ProbeState) {
	select {
	case <-q.latest:
	default:
	}
	q.latest <- st
}

// close stops the queue after the pending snapshot has been published.
func (q *publishQueue) close() {
	close(q.latest)
	<-q.done
}
