package usecases_test

import (
	"context"
	"sync"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

// --- Mock ElevationLookup ---

type mockLookup struct {
	lookupFn func(ctx context.Context, at domain.Coordinate) (float64, error)

	mu    sync.Mutex
	calls []domain.Coordinate
}

func (m *mockLookup) Lookup(ctx context.Context, at domain.Coordinate) (float64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, at)
	m.mu.Unlock()
	if m.lookupFn != nil {
		return m.lookupFn(ctx, at)
	}
	return 0, nil
}

func (m *mockLookup) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- Mock CacheService ---

type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]int
}

func newMockCache() *mockCache {
	return &mockCache{data: map[string][]byte{}, ttls: map[string]int{}}
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return v, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttlSeconds
	return nil
}

func (m *mockCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// --- Mock QueryLogRepository ---

type mockQueryRepo struct {
	insertFn     func(ctx context.Context, q *domain.ElevationQuery) error
	listRecentFn func(ctx context.Context, offset, limit int) ([]domain.ElevationQuery, int, error)
}

func (m *mockQueryRepo) Insert(ctx context.Context, q *domain.ElevationQuery) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, q)
	}
	return nil
}

func (m *mockQueryRepo) ListRecent(ctx context.Context, offset, limit int) ([]domain.ElevationQuery, int, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, offset, limit)
	}
	return nil, 0, nil
}

// --- Mock StatePublisher ---

type mockPublisher struct {
	publishFn func(ctx context.Context, sessionID string, state domain.ProbeState) error
}

func (m *mockPublisher) PublishState(ctx context.Context, sessionID string, state domain.ProbeState) error {
	if m.publishFn != nil {
		return m.publishFn(ctx, sessionID, state)
	}
	return nil
}
