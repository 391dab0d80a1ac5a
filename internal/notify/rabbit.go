// Package notify delivers recovery messages to the outside world.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
)

// Channel is the part of *amqp.Channel used for confirmed publishing.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitConfig describes where recovery messages are published.
type RabbitConfig struct {
	URL            string
	Exchange       string
	RoutingKey     string
	ConfirmTimeout time.Duration
}

func (c RabbitConfig) withDefaults() RabbitConfig {
	if c.Exchange == "" {
		c.Exchange = "tenantgate.notifications"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "recovery.issued"
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	return c
}

// confirmBuffer keeps late confirms from blocking the channel's dispatcher.
const confirmBuffer = 64

var (
	ErrNacked         = errors.New("message rejected by broker")
	ErrConfirmTimeout = errors.New("timeout waiting for publisher confirm")
	ErrClosed         = errors.New("notifier closed")
)

// Rabbit publishes recovery messages as persistent JSON with publisher
// confirms. Publishes are serialised and each one waits for the confirm
// carrying its own delivery tag; late confirms for abandoned publishes are
// dropped.
type Rabbit struct {
	cfg      RabbitConfig
	ch       Channel
	conn     *amqp.Connection
	confirms chan amqp.Confirmation
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ auth.Notifier = (*Rabbit)(nil)

// DialRabbit connects to the broker, declares a durable topic exchange and
// returns a notifier publishing to it.
func DialRabbit(cfg RabbitConfig, logger *zap.Logger) (*Rabbit, error) {
	cfg = cfg.withDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	r, err := NewRabbit(ch, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.conn = conn
	return r, nil
}

// NewRabbit wraps an open channel and puts it into confirm mode.
func NewRabbit(ch Channel, cfg RabbitConfig, logger *zap.Logger) (*Rabbit, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq channel is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	return &Rabbit{cfg: cfg, ch: ch, confirms: confirms, logger: logger}, nil
}

// SendRecovery publishes msg and waits for the broker to confirm it.
func (r *Rabbit) SendRecovery(ctx context.Context, msg auth.RecoveryMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode recovery message: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         "recovery." + string(msg.Purpose),
		Body:         body,
		Headers:      amqp.Table{"user_id": msg.UserID},
	}
	tag := r.ch.GetNextPublishSeqNo()
	if err := r.ch.PublishWithContext(ctx, r.cfg.Exchange, r.cfg.RoutingKey, false, false, pub); err != nil {
		return fmt.Errorf("publish recovery message: %w", err)
	}
	if err := r.awaitConfirm(ctx, tag); err != nil {
		return err
	}
	r.logger.Debug("recovery message published",
		zap.String("user_id", msg.UserID),
		zap.String("purpose", string(msg.Purpose)),
		zap.String("exchange", r.cfg.Exchange),
	)
	return nil
}

// awaitConfirm waits for the confirm with the given delivery tag. Confirms
// for earlier tags belong to publishes that already gave up and are skipped.
func (r *Rabbit) awaitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(r.cfg.ConfirmTimeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-r.confirms:
			if !ok {
				return ErrClosed
			}
			if c.DeliveryTag < tag {
				r.logger.Debug("stale publisher confirm dropped",
					zap.Uint64("delivery_tag", c.DeliveryTag),
					zap.Uint64("awaiting", tag),
					zap.Bool("ack", c.Ack),
				)
				continue
			}
			if !c.Ack {
				return ErrNacked
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirm: %w", ctx.Err())
		case <-timer.C:
			return ErrConfirmTimeout
		}
	}
}

// Close releases the channel and, when dialed here, the connection.
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ch.Close()
	if r.conn != nil {
		err = errors.Join(err, r.conn.Close())
	}
	return err
}
