package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix is the root of every notification subject:
// careflow.notify.<kind>.<id>.
const SubjectPrefix = "careflow.notify"

// Publisher is the part of *nats.Conn the transport needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSTransport publishes messages as JSON on a per-target subject so other
// services (SMS gateways, mobile push) can subscribe by role or user.
type NATSTransport struct {
	pub Publisher
}

func NewNATSTransport(pub Publisher) *NATSTransport {
	return &NATSTransport{pub: pub}
}

// Subject returns the subject for a target. Tokens are sanitized since NATS
// reserves '.', '*', '>' and whitespace.
func Subject(kind TargetKind, targetID string) string {
	return SubjectPrefix + "." + subjectToken(string(kind)) + "." + subjectToken(targetID)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (t *NATSTransport) Send(_ context.Context, kind TargetKind, targetID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := t.pub.Publish(Subject(kind, targetID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// ConnectNATS dials the server with reconnect handling that logs through
// logger.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("careflow-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
