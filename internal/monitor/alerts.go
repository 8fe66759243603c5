package monitor

import (
	"context"

	"go.uber.org/zap"

	"signal-engine/pkg/logger"
)

// AlertSink delivers alerts somewhere an operator will see them.
type AlertSink interface {
	Send(ctx context.Context, severity, message string) error
}

// LogSink writes alerts to the structured log. Warning and below log
// at Warn, anything else at Error.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Send(ctx context.Context, severity, message string) error {
	switch severity {
	case "critical":
		s.log.Error("alert", zap.String("severity", severity), zap.String("message", message))
	default:
		s.log.Warn("alert", zap.String("severity", severity), zap.String("message", message))
	}
	return nil
}
