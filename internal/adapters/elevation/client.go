// Package elevation queries a remote ground elevation service over HTTP.
package elevation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/pkg/metrics"
)

const (
	DefaultUnit    = "feet"
	DefaultTimeout = 5 * time.Second
)

var (
	// ErrStatus is wrapped by every *StatusError.
	ErrStatus = errors.New("elevation backend returned non-success status")
	// ErrMalformed means the backend answered 2xx without a usable elevation.
	ErrMalformed = errors.New("malformed elevation response")
)

// StatusError carries the HTTP status of a rejected lookup.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("elevation backend: status %d", e.Code)
	}
	return fmt.Sprintf("elevation backend: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Config configures a Client.
type Config struct {
	Endpoint   string
	Credential string
	Unit       string
	Timeout    time.Duration
	// RatePerSec caps outbound lookups. Zero means unlimited.
	RatePerSec float64
}

// Client implements ports.ElevationLookup against
// GET <endpoint>?latitude=..&longitude=..&unit=.. with bearer auth.
type Client struct {
	endpoint   string
	credential string
	unit       string
	timeout    time.Duration
	limiter    *rate.Limiter
	http       *fasthttp.Client
	tracer     trace.Tracer
}

// NewClient validates cfg and builds a pooled HTTP client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("elevation client: endpoint is required")
	}
	var uri fasthttp.URI
	if err := uri.Parse(nil, []byte(cfg.Endpoint)); err != nil {
		return nil, fmt.Errorf("elevation client: parse endpoint: %w", err)
	}
	if cfg.Unit == "" {
		cfg.Unit = DefaultUnit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &Client{
		endpoint:   cfg.Endpoint,
		credential: cfg.Credential,
		unit:       cfg.Unit,
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, 1),
		http: &fasthttp.Client{
			Name:                "mapprobe",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
		},
		tracer: otel.Tracer("mapprobe/elevation"),
	}, nil
}

type lookupResponse struct {
	Elevation *float64 `json:"elevation"`
}

type roundTrip struct {
	status int
	body   []byte
	err    error
}

// Lookup fetches the elevation at the given coordinate. Cancelling ctx
// abandons the request immediately.
func (c *Client) Lookup(ctx context.Context, at domain.Coordinate) (float64, error) {
	ctx, span := c.tracer.Start(ctx, "elevation.Lookup", trace.WithAttributes(
		attribute.Float64("geo.lat", at.Lat),
		attribute.Float64("geo.lng", at.Lng),
		attribute.String("elevation.unit", c.unit),
	))
	defer span.End()

	start := time.Now()
	elev, err := c.lookup(ctx, at)
	metrics.ElevationLookupDuration.Observe(time.Since(start).Seconds())
	metrics.ElevationLookups.WithLabelValues(outcome(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Float64("elevation.value", elev))
	return elev, nil
}

func (c *Client) lookup(ctx context.Context, at domain.Coordinate) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("elevation lookup %s: rate limit: %w", at, err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// The request runs on its own goroutine, which owns the pooled
	// request/response objects, so a cancelled caller can return at once.
	done := make(chan roundTrip, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		c.buildRequest(req, at)
		rt := roundTrip{err: c.http.DoDeadline(req, resp, deadline)}
		if rt.err == nil {
			rt.status = resp.StatusCode()
			rt.body = append([]byte(nil), resp.Body()...)
		}
		done <- rt
	}()

	var rt roundTrip
	select {
	case rt = <-done:
	case <-ctx.Done():
		return 0, fmt.Errorf("elevation lookup %s: %w", at, ctx.Err())
	}

	if rt.err != nil {
		return 0, fmt.Errorf("elevation lookup %s: %w", at, rt.err)
	}
	if rt.status < 200 || rt.status > 299 {
		return 0, &StatusError{Code: rt.status, Body: truncate(rt.body, 256)}
	}

	var out lookupResponse
	if err := json.Unmarshal(rt.body, &out); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Elevation == nil {
		return 0, fmt.Errorf("%w: missing elevation field", ErrMalformed)
	}
	return *out.Elevation, nil
}

func (c *Client) buildRequest(req *fasthttp.Request, at domain.Coordinate) {
	req.SetRequestURI(c.endpoint)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.credential != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.credential)
	}
	args := req.URI().QueryArgs()
	args.Set("latitude", strconv.FormatFloat(at.Lat, 'f', -1, 64))
	args.Set("longitude", strconv.FormatFloat(at.Lng, 'f', -1, 64))
	args.Set("unit", c.unit)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStatus):
		return "status_error"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, fasthttp.ErrTimeout):
		return "timeout"
	default:
		return "transport_error"
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
