package domain

import "errors"

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidBounds     = errors.New("invalid bounding box")
	ErrSessionClosed     = errors.New("probe session closed")
	ErrSessionNotFound   = errors.New("probe session not found")
	ErrCacheMiss         = errors.New("cache miss")
)
