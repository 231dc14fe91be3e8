package http

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/usecases"
)

// ElevationResponse is the body of GET /v1/elevation.
type ElevationResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
	Unit      string  `json:"unit"`
}

// SessionList is the body of GET /v1/sessions.
type SessionList struct {
	Count    int      `json:"count"`
	Sessions []string `json:"sessions"`
}

// SessionState is the body of GET /v1/sessions/:id.
type SessionState struct {
	SessionID string            `json:"session_id"`
	State     domain.ProbeState `json:"state"`
}

func queryCoordinate(c *fiber.Ctx) (domain.Coordinate, error) {
	latRaw, lngRaw := c.Query("latitude"), c.Query("longitude")
	if latRaw == "" || lngRaw == "" {
		return domain.Coordinate{}, errors.New("latitude and longitude are required")
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return domain.Coordinate{}, errors.New("latitude must be a number")
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return domain.Coordinate{}, errors.New("longitude must be a number")
	}
	at := domain.Coordinate{Lat: lat, Lng: lng}
	if err := at.Validate(); err != nil {
		return domain.Coordinate{}, err
	}
	return at, nil
}

// ElevationHandler performs a one-shot cached lookup, without debouncing.
func ElevationHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		at, err := queryCoordinate(c)
		if err != nil {
			return errBadRequest(c, err.Error())
		}

		elev, err := deps.Elevation.Lookup(c.UserContext(), at)
		if err != nil {
			LoggerFromCtx(c.UserContext()).Warn("elevation lookup failed",
				"target", at.String(), "error", err)
			return errBadGateway(c, domain.ElevationUnavailableMessage)
		}

		c.Set("Cache-Control", "public, max-age=3600")
		return c.JSON(ElevationResponse{
			Latitude:  at.Lat,
			Longitude: at.Lng,
			Elevation: elev,
			Unit:      "feet",
		})
	}
}

// ListSessionsHandler returns the ids of all mounted probe sessions.
func ListSessionsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ids := deps.Probes.List()
		return c.JSON(SessionList{Count: len(ids), Sessions: ids})
	}
}

// GetSessionHandler returns a state snapshot of one session.
func GetSessionHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		st, err := deps.Probes.Snapshot(c.UserContext(), id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return errNotFound(c, "session not found")
		}
		if err != nil {
			return errInternal(c, err.Error())
		}
		return c.JSON(SessionState{SessionID: id, State: st})
	}
}

// DeleteSessionHandler force-unmounts a session.
func DeleteSessionHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := deps.Probes.Close(c.Params("id")); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return errNotFound(c, "session not found")
			}
			return errInternal(c, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// ListQueriesHandler pages through the settled elevation query log.
func ListQueriesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		offset, limit := parsePage(c, 50, 200)

		items, total, err := deps.Probes.RecentQueries(c.UserContext(), offset, limit)
		if errors.Is(err, usecases.ErrQueryLogDisabled) {
			return errUnavailable(c, "query log is not enabled")
		}
		if err != nil {
			return errInternal(c, err.Error())
		}
		if items == nil {
			items = []domain.ElevationQuery{}
		}

		pg := Pagination{Offset: offset, Limit: limit, Total: total}
		SetLinkHeaders(c, pg)
		return c.JSON(PaginatedResponse{Data: items, Pagination: pg})
	}
}
