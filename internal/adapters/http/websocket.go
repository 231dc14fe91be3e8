package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/ports"
	"github.com/samirrijal/mapprobe/internal/core/probe"
	"github.com/samirrijal/mapprobe/internal/core/usecases"
	"github.com/samirrijal/mapprobe/internal/pkg/geospatial"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 75 * time.Second
	wsWriteWait    = 10 * time.Second
)

// Client frame types.
const (
	frameMount         = "mount"
	frameViewport      = "viewport"
	framePointer       = "pointer"
	frameToggleOverlay = "toggle_overlay"
)

// clientFrame is sent by the map client.
//
//	{"type":"mount","bounds":{"west":-106,"south":39,"east":-104,"north":41}}
//	{"type":"viewport","bounds":{...}}
//	{"type":"pointer","lat":40.01,"lng":-105.27}
//	{"type":"toggle_overlay"}
type clientFrame struct {
	Type   string              `json:"type"`
	Bounds *domain.BoundingBox `json:"bounds,omitempty"`
	Lat    *float64            `json:"lat,omitempty"`
	Lng    *float64            `json:"lng,omitempty"`
}

// stateFrame is pushed after every state change.
type stateFrame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	State     domain.ProbeState `json:"state"`
	// BBoxSpanM is the diagonal of the bounding box in meters.
	BBoxSpanM *float64 `json:"bbox_span_m,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var errNotMounted = errors.New("session not mounted: send a mount frame first")

func newStateFrame(sessionID string, st domain.ProbeState) stateFrame {
	f := stateFrame{Type: "state", SessionID: sessionID, State: st}
	if b := st.BBox; b != nil {
		span := geospatial.Haversine(b.South, b.West, b.North, b.East)
		f.BBoxSpanM = &span
	}
	return f
}

// ProbeSocketHandler serves /ws/probe. One socket owns at most one probe
// session; closing the socket disposes it, and disposing it from elsewhere
// (REST delete, server shutdown) closes the socket. Bad frames are answered
// with an error frame and never close the connection.
func ProbeSocketHandler(probes *usecases.ProbeService) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		log := slog.Default().With("remote", c.RemoteAddr().String())
		log.Debug("ws client connected")

		var (
			mu      sync.Mutex
			closing bool // set under mu once the session is disposed elsewhere
		)
		writeJSON := func(v interface{}) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return c.WriteMessage(websocket.TextMessage, data)
		}
		writeError := func(msg string) {
			_ = writeJSON(errorFrame{Type: "error", Message: msg})
		}

		var sess *probe.Session

		// Helpers must be gone before the handler returns: the Conn is
		// recycled once it does.
		var helpers sync.WaitGroup
		done := make(chan struct{})
		defer func() {
			close(done)
			if sess != nil {
				sess.Dispose()
			}
			helpers.Wait()
		}()

		// Keep-alive ping
		helpers.Add(1)
		go func() {
			defer helpers.Done()
			ticker := time.NewTicker(wsPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
					mu.Unlock()
					if err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		extend := func() {
			mu.Lock()
			defer mu.Unlock()
			if !closing {
				_ = c.SetReadDeadline(time.Now().Add(wsPongWait))
			}
		}
		extend()
		c.SetPongHandler(func(string) error {
			extend()
			return nil
		})

		renderer := ports.RenderFunc(func(id string, st domain.ProbeState) {
			if err := writeJSON(newStateFrame(id, st)); err != nil {
				log.Debug("ws state write failed", "session_id", id, "error", err)
			}
		})

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				break
			}
			extend()

			var f clientFrame
			if err := json.Unmarshal(msg, &f); err != nil {
				writeError("invalid JSON")
				continue
			}

			if f.Type == frameMount {
				if sess != nil {
					writeError("session already mounted")
					continue
				}
				if f.Bounds == nil {
					writeError("mount requires bounds")
					continue
				}
				opened, err := probes.Open(*f.Bounds, renderer)
				if err != nil {
					writeError(err.Error())
					continue
				}
				sess = opened
				helpers.Add(1)
				go func() {
					defer helpers.Done()
					closeOnDispose(c, &mu, &closing, opened, done)
				}()
				continue
			}

			err = dispatch(sess, f)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrSessionClosed):
				writeError("session closed")
				return
			default:
				writeError(err.Error())
			}
		}

		if sess != nil {
			log.Debug("ws client disconnected", "session_id", sess.ID())
		} else {
			log.Debug("ws client disconnected")
		}
	}
}

// dispatch routes a post-mount frame to the session.
func dispatch(sess *probe.Session, f clientFrame) error {
	if sess == nil {
		return errNotMounted
	}
	switch f.Type {
	case frameViewport:
		if f.Bounds == nil {
			return errors.New("viewport requires bounds")
		}
		return sess.ViewportChanged(*f.Bounds)
	case framePointer:
		if f.Lat == nil || f.Lng == nil {
			return errors.New("pointer requires lat and lng")
		}
		return sess.PointerMoved(domain.Coordinate{Lat: *f.Lat, Lng: *f.Lng})
	case frameToggleOverlay:
		return sess.ToggleOverlay()
	default:
		return errors.New("unknown frame type: " + f.Type)
	}
}

// closeOnDispose sends a close frame when the session is disposed by someone
// other than this connection and unblocks the reader. The handler closes the
// Conn itself.
func closeOnDispose(c *websocket.Conn, mu *sync.Mutex, closing *bool, sess *probe.Session, done <-chan struct{}) {
	select {
	case <-sess.Done():
		mu.Lock()
		*closing = true
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
			time.Now().Add(wsWriteWait))
		_ = c.SetReadDeadline(time.Now())
		mu.Unlock()
	case <-done:
	}
}
