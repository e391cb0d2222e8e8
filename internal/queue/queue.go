// Package queue implements the message-passing topology: a per-user
// ingestion buffer and two durable processing
// streams (structure, profile), plus an optional legacy response
// stream.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Stream names.
const (
	StreamStructure  = "STRUCTURE"
	StreamProfile    = "PROFILE"
	StreamAIResponse = "AI_RESPONSE"
)

// BufferSubject returns the per-user ingestion buffer subject
// ("buffer.{user}").
func BufferSubject(user string) string {
	return fmt.Sprintf("buffer.%s", user)
}

// StructureSubject returns the structure stream's subject for user.
func StructureSubject(user string) string {
	return fmt.Sprintf("structure.%s", user)
}

// ProfileSubject returns the profile stream's subject for user.
func ProfileSubject(user string) string {
	return fmt.Sprintf("profile.%s", user)
}

// ResponseSubject returns the legacy ai_response stream's subject for
// user. This stream is optional; callers that don't need the legacy
// response path simply never subscribe to it.
func ResponseSubject(user string) string {
	return fmt.Sprintf("ai_response.%s", user)
}

// Message is one delivered queue item; handlers ack or nak it exactly
// once via Ack/Nak.
type Message struct {
	Subject string
	Data    []byte
	raw     *nats.Msg
}

// Ack acknowledges successful processing.
func (m *Message) Ack() error {
	if m.raw == nil {
		return nil
	}
	return m.raw.Ack()
}

// Nak signals failed processing, triggering redelivery.
func (m *Message) Nak() error {
	if m.raw == nil {
		return nil
	}
	return m.raw.Nak()
}

// Handler processes one delivered message. A returned error causes the
// queue to Nak (redeliver); nil causes an Ack.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a live JetStream subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Config configures the NATS JetStream connection and stream retention.
type Config struct {
	Address       string
	MaxReconnects int
	ReconnectWait time.Duration
	StreamMaxAge  time.Duration
}

// DefaultConfig sets conservative NATS reconnect defaults, with a
// 30-day MaxAge for stream retention.
func DefaultConfig() Config {
	return Config{
		Address:       "nats://localhost:4222",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		StreamMaxAge:  30 * 24 * time.Hour,
	}
}

// Queue is the JetStream-backed implementation of the message topology.
type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials NATS, opens JetStream, and ensures the structure/profile/
// ai_response streams exist.
func Connect(cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(cfg.Address,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	q := &Queue{conn: conn, js: js, logger: logger}
	for _, stream := range []struct {
		name     string
		subjects []string
	}{
		{StreamStructure, []string{"structure.*"}},
		{StreamProfile, []string{"profile.*"}},
		{StreamAIResponse, []string{"ai_response.*"}},
		{"BUFFER", []string{"buffer.*"}},
	} {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream.name,
			Subjects: stream.subjects,
			Storage:  nats.FileStorage,
			MaxAge:   cfg.StreamMaxAge,
		}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
			logger.Warn("failed to create stream", zap.String("stream", stream.name), zap.Error(err))
		}
	}

	return q, nil
}

// Close closes the NATS connection without draining it.
func (q *Queue) Close() error {
	if q.conn != nil {
		q.conn.Close()
	}
	return nil
}

// Publish writes payload to subject, persisted by whichever stream owns
// that subject's wildcard.
func (q *Queue) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := q.js.Publish(subject, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a durable, manually-acked consumer on subject.
// Exactly one of these should run per (subject, durable) pair across the
// process fleet; JetStream handles redelivery for Nak'd or un-acked
// messages.
func (q *Queue) Subscribe(ctx context.Context, subject, durable string, handler Handler) (*Subscription, error) {
	sub, err := q.js.Subscribe(subject, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("panic in queue handler", zap.Any("panic", r), zap.String("subject", subject))
				msg.Nak()
			}
		}()

		qmsg := &Message{Subject: msg.Subject, Data: msg.Data, raw: msg}
		if err := handler(ctx, qmsg); err != nil {
			q.logger.Warn("handler failed, nak for redelivery",
				zap.String("subject", msg.Subject), zap.Error(err))
			msg.Nak()
			return
		}
		msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, nil
}
