// Package sender delivers operator notifications.
package sender

import (
	"context"
	"log/slog"
)

// Sender delivers a batch of messages to some destination.
// Implementations treat an empty batch as a no-op.
type Sender interface {
	Send(ctx context.Context, messages []string) error
}

// LogSender writes notifications to a logger. It stands in when no chat is
// configured.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, messages []string) error {
	for _, m := range messages {
		s.log.WarnContext(ctx, "notification", "message", m)
	}
	return nil
}
