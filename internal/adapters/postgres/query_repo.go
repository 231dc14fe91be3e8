package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

// QueryRepo implements ports.QueryLogRepository with pgx.
type QueryRepo struct {
	db *DB
}

// NewQueryRepo creates a new QueryRepo.
func NewQueryRepo(db *DB) *QueryRepo {
	return &QueryRepo{db: db}
}

// Insert stores a settled query. Re-inserting the same session generation is
// a no-op.
func (r *QueryRepo) Insert(ctx context.Context, q *domain.ElevationQuery) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO elevation_queries
			(session_id, generation, latitude, longitude, status, elevation_ft, error, applied, issued_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, generation) DO NOTHING
	`, q.SessionID, int64(q.Generation), q.Target.Lat, q.Target.Lng, string(q.Status),
		q.Elevation, nullIfEmpty(q.Error), q.Applied, q.IssuedAt, q.SettledAt)
	if err != nil {
		return fmt.Errorf("insert elevation query: %w", err)
	}
	return nil
}

// ListRecent returns settled queries newest first, plus the total count.
func (r *QueryRepo) ListRecent(ctx context.Context, offset, limit int) ([]domain.ElevationQuery, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM elevation_queries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count elevation queries: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT session_id::text, generation, latitude, longitude, status,
		       elevation_ft, error, applied, issued_at, settled_at
		FROM elevation_queries
		ORDER BY issued_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list elevation queries: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, scanQuery)
	if err != nil {
		return nil, 0, fmt.Errorf("scan elevation queries: %w", err)
	}
	return out, total, nil
}

func scanQuery(row pgx.CollectableRow) (domain.ElevationQuery, error) {
	var (
		q         domain.ElevationQuery
		gen       int64
		status    string
		errText   *string
		settledAt *time.Time
	)
	err := row.Scan(&q.SessionID, &gen, &q.Target.Lat, &q.Target.Lng, &status,
		&q.Elevation, &errText, &q.Applied, &q.IssuedAt, &settledAt)
	if err != nil {
		return q, err
	}
	q.Generation = uint64(gen)
	q.Status = domain.QueryStatus(status)
	q.SettledAt = settledAt
	if errText != nil {
		q.Error = *errText
	}
	return q, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
