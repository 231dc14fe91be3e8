package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/ports"
	"github.com/samirrijal/mapprobe/internal/pkg/geospatial"
	"github.com/samirrijal/mapprobe/internal/pkg/metrics"
)

// Coordinates are rounded to this many decimal places (about 1.1 m at the
// equator) when forming cache keys.
const cachePrecision = 5

// ElevationService is a read-through cache in front of the elevation backend.
// It satisfies ports.ElevationLookup so sessions and one-shot REST lookups
// share the same cache.
type ElevationService struct {
	backend    ports.ElevationLookup
	cache      ports.CacheService
	ttlSeconds int
}

// NewElevationService creates a new ElevationService. cache may be nil.
func NewElevationService(backend ports.ElevationLookup, cache ports.CacheService, ttlSeconds int) *ElevationService {
	return &ElevationService{backend: backend, cache: cache, ttlSeconds: ttlSeconds}
}

// Lookup returns the elevation at the given coordinate in feet. Failed lookups are
// never cached.
func (s *ElevationService) Lookup(ctx context.Context, at domain.Coordinate) (float64, error) {
	if err := at.Validate(); err != nil {
		return 0, err
	}

	key := cacheKey(at)
	if s.cache != nil {
		data, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			if v, perr := strconv.ParseFloat(string(data), 64); perr == nil {
				metrics.CacheHits.WithLabelValues("elevation").Inc()
				return v, nil
			}
			_ = s.cache.Delete(ctx, key)
		case !errors.Is(err, domain.ErrCacheMiss):
			slog.WarnContext(ctx, "elevation cache read failed", "key", key, "error", err)
		}
		metrics.CacheMisses.WithLabelValues("elevation").Inc()
	}

	elev, err := s.backend.Lookup(ctx, at)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		// The caller may have given up already; the value is still worth keeping.
		if err := s.cache.Set(context.WithoutCancel(ctx), key, []byte(strconv.FormatFloat(elev, 'f', -1, 64)), s.ttlSeconds); err != nil {
			slog.WarnContext(ctx, "elevation cache write failed", "key", key, "error", err)
		}
	}
	return elev, nil
}

func cacheKey(at domain.Coordinate) string {
	return fmt.Sprintf("elevation:%s:%s",
		strconv.FormatFloat(geospatial.RoundTo(at.Lat, cachePrecision), 'f', -1, 64),
		strconv.FormatFloat(geospatial.RoundTo(at.Lng, cachePrecision), 'f', -1, 64),
	)
}
