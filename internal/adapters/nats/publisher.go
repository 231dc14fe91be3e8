package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

const (
	StreamName    = "PROBE_STATES"
	subjectPrefix = "probe.state."
)

// StateMessage is the JSON envelope published for every probe state change.
type StateMessage struct {
	SessionID   string            `json:"session_id"`
	State       domain.ProbeState `json:"state"`
	PublishedAt time.Time         `json:"published_at"`
}

// Subject returns the subject a session's snapshots are published on.
func Subject(sessionID string) string {
	return subjectPrefix + sessionID
}

// SessionFromSubject is the inverse of Subject.
func SessionFromSubject(subject string) string {
	return strings.TrimPrefix(subject, subjectPrefix)
}

// Publisher implements ports.StatePublisher using NATS JetStream.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// open connects and runs setup. A connection whose setup fails is closed,
// otherwise it would keep reconnecting in the background.
func open(url string, setup func(*nats.Conn) error) (*nats.Conn, error) {
	conn, err := connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if err := setup(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// NewPublisher connects to NATS, enables JetStream and ensures the state
// stream exists. Only the latest snapshot per session is retained.
func NewPublisher(url string) (*Publisher, error) {
	var js nats.JetStreamContext
	conn, err := open(url, func(conn *nats.Conn) error {
		var err error
		if js, err = conn.JetStream(); err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		return ensureStream(js)
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, js: js}, nil
}

func ensureStream(js nats.JetStreamManager) error {
	cfg := nats.StreamConfig{
		Name:              StreamName,
		Subjects:          []string{subjectPrefix + ">"},
		Retention:         nats.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            1 * time.Hour,
		Storage:           nats.MemoryStorage,
	}
	if _, err := js.AddStream(&cfg); err != nil {
		// Stream may already exist; try update
		if _, err := js.UpdateStream(&cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// PublishState publishes a snapshot on probe.state.<session>.
func (p *Publisher) PublishState(ctx context.Context, sessionID string, state domain.ProbeState) error {
	data, err := json.Marshal(StateMessage{
		SessionID:   sessionID,
		State:       state,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := p.js.Publish(Subject(sessionID), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish state %s: %w", sessionID, err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (p *Publisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}
