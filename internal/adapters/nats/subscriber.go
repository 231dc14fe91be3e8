package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Subscriber follows the probe state stream.
type Subscriber struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	subs []*nats.Subscription
}

// NewSubscriber opens its own NATS connection.
func NewSubscriber(url string) (*Subscriber, error) {
	var js nats.JetStreamContext
	conn, err := open(url, func(conn *nats.Conn) error {
		var err error
		if js, err = conn.JetStream(); err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Subscriber{conn: conn, js: js}, nil
}

// SubscribeStates delivers snapshots for sessionID, or for every session when
// sessionID is empty. Delivery starts from the latest retained snapshot per
// session. Malformed messages are logged and skipped.
func (s *Subscriber) SubscribeStates(ctx context.Context, sessionID string, handler func(ctx context.Context, msg StateMessage)) error {
	subject := subjectPrefix + ">"
	if sessionID != "" {
		subject = Subject(sessionID)
	}
	sub, err := s.js.Subscribe(subject, func(m *nats.Msg) {
		var msg StateMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("skipping malformed state message", "subject", m.Subject, "error", err)
			return
		}
		if msg.SessionID == "" {
			msg.SessionID = SessionFromSubject(m.Subject)
		}
		handler(ctx, msg)
	},
		nats.OrderedConsumer(),
		nats.DeliverLastPerSubject(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close unsubscribes and drains.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	_ = s.conn.Drain()
}
