package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("notify")}
}

func (s *LogSink) Success(_ context.Context, message string) {
	s.log.Info("notification", zap.String("kind", string(KindSuccess)), zap.String("message", message))
}

func (s *LogSink) Error(_ context.Context, message string) {
	s.log.Warn("notification", zap.String("kind", string(KindError)), zap.String("message", message))
}
