package subscribers

import (
	"context"
	"log/slog"

	"github.com/nfrund/topicbus/internal/broker"
)

// Logger records every consumed message through slog.
type Logger struct {
	name   string
	logger *slog.Logger
	level  slog.Level
}

// NewLogger creates a logging subscriber. A nil logger means slog.Default().
func NewLogger(name string, logger *slog.Logger, level slog.Level) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{name: name, logger: logger, level: level}
}

// Consume implements broker.Subscriber.
func (l *Logger) Consume(ctx context.Context, msg broker.Message) error {
	topic, _ := broker.TopicFromContext(ctx)
	l.logger.Log(ctx, l.level, "Message consumed",
		"subscriber", l.name,
		"topic", topic,
		"message_id", msg.ID(),
		"content", msg.Content(),
		"created_at", msg.CreatedAt())
	return nil
}

// Name implements broker.Named.
func (l *Logger) Name() string {
	return l.name
}
