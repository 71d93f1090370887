package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

// Log writes every notification to the logger. It is the default transport
// in development.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, n lending.Notification) error {
	l.logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("recipient", n.Recipient),
		zap.Any("payload", n.Payload),
	)
	return nil
}
