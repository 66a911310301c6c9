package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogTransport writes each message to the structured log. It is the fallback
// when no push channel is configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With().Str("transport", "log").Logger()}
}

func (t *LogTransport) Send(_ context.Context, kind TargetKind, targetID string, msg Message) error {
	t.logger.Info().
		Str("notification_id", msg.ID).
		Str("target_kind", string(kind)).
		Str("target_id", targetID).
		Str("priority", string(msg.Priority)).
		Str("category", msg.Category).
		Str("instance_id", msg.InstanceID).
		Str("title", msg.Title).
		Msg("notification")
	return nil
}
