package auth

import (
	"context"
	"time"
)

// RecoveryMessage is handed to the Notifier when a recovery artifact is minted.
type RecoveryMessage struct {
	UserID    string          `json:"userId"`
	Email     string          `json:"email"`
	Name      string          `json:"name,omitempty"`
	Purpose   RecoveryPurpose `json:"purpose"`
	Token     string          `json:"token"`
	Code      string          `json:"code"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Notifier delivers recovery messages out of band. Delivery is best effort:
// failures never change the outcome of the operation that triggered them.
type Notifier interface {
	SendRecovery(ctx context.Context, msg RecoveryMessage) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg RecoveryMessage) error

func (f NotifierFunc) SendRecovery(ctx context.Context, msg RecoveryMessage) error {
	return f(ctx, msg)
}

type noopNotifier struct{}

func (noopNotifier) SendRecovery(context.Context, RecoveryMessage) error { return nil }

// SideEffect is the outcome of a best-effort action dispatched by the service.
type SideEffect struct {
	Name     string
	UserID   string
	Err      error
	Duration time.Duration
}

// OK reports whether the side effect completed.
func (e SideEffect) OK() bool { return e.Err == nil }
