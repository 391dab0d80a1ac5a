package notify

import (
	"context"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
)

// Log writes recovery messages to the service log. It is meant for local
// development where no broker runs; secrets are only included when reveal is set.
type Log struct {
	logger *zap.Logger
	reveal bool
}

var _ auth.Notifier = (*Log)(nil)

func NewLog(logger *zap.Logger, reveal bool) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify"), reveal: reveal}
}

func (l *Log) SendRecovery(_ context.Context, msg auth.RecoveryMessage) error {
	fields := []zap.Field{
		zap.String("user_id", msg.UserID),
		zap.String("email", msg.Email),
		zap.String("purpose", string(msg.Purpose)),
		zap.Time("expires_at", msg.ExpiresAt),
	}
	if l.reveal {
		fields = append(fields, zap.String("token", msg.Token), zap.String("code", msg.Code))
	}
	l.logger.Info("recovery message", fields...)
	return nil
}
