package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker confirm.
// Each publish is a single attempt.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and returns once the broker confirms it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	fail := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return fail(fmt.Errorf("enable confirms: %w", err))
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fail(err)
	}

	acked, err := confirmation.WaitContext(confirmCtx)
	switch {
	case err != nil && ctx.Err() == nil:
		return fail(ErrPublishTimeout)
	case err != nil:
		return fail(err)
	case !acked:
		return fail(ErrPublishNotConfirmed)
	}

	p.logger.Debug("message confirmed",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"channel", ch.ID())
	return nil
}
