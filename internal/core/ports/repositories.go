package ports

import (
	"context"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

// QueryLogRepository persists settled elevation queries.
type QueryLogRepository interface {
	Insert(ctx context.Context, q *domain.ElevationQuery) error
	// ListRecent returns settled queries newest first, plus the total count.
	ListRecent(ctx context.Context, offset, limit int) ([]domain.ElevationQuery, int, error)
}
