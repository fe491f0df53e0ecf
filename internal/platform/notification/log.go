package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes notifications to the log instead of delivering them. It
// stands in for any channel that is not configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendPush(_ context.Context, token, title, body string, _ map[string]string) error {
	s.logger.Info().Str("channel", "push").Str("token", redact(token)).Str("title", title).Str("body", body).Msg("notification")
	return nil
}

func (s *LogSender) Publish(_ context.Context, topic string, payload []byte) error {
	s.logger.Debug().Str("channel", "mqtt").Str("topic", topic).Int("bytes", len(payload)).Msg("notification")
	return nil
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
