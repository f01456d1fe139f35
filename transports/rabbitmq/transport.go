// Package rabbitmq implements broker.Broker on RabbitMQ.
//
// A topic is a durable topic exchange. A subscription is a durable queue bound to
// its exchange with the "#" key, optionally expiring after a period without
// consumers so queues orphaned by a crashed process are eventually removed.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ broker.Broker = (*Transport)(nil)

// DefaultQueueExpiry removes subscription queues unused for a day
const DefaultQueueExpiry = 24 * time.Hour

// Transport implements broker.Broker for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	expiry    time.Duration
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	DeclareTopics     []string
	QueueExpiry       time.Duration
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithDeclareTopics declares the topic exchanges on connect
func WithDeclareTopics(topics ...string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareTopics = append(cfg.DeclareTopics, topics...)
	}
}

// WithQueueExpiry sets the x-expires of new subscription queues; zero disables expiry
func WithQueueExpiry(expiry time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.QueueExpiry = expiry
	}
}

// WithLogger sets the logger for the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to RabbitMQ and declares the configured topics
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		QueueExpiry: DefaultQueueExpiry,
		Logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:   manager,
		pool:      pool,
		topology:  rabbitmq.NewTopologyManager(pool),
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(manager, consOpts...),
		expiry:    cfg.QueueExpiry,
		logger:    cfg.Logger,
	}

	for _, topic := range cfg.DeclareTopics {
		err := t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
			Name:    topic,
			Type:    amqp.ExchangeTopic,
			Durable: true,
		})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to declare topic %s: %w", topic, err)
		}
	}

	return t, nil
}

// TopicExists implements broker.Broker
func (t *Transport) TopicExists(ctx context.Context, topic string) (bool, error) {
	return t.topology.ExchangeExists(ctx, topic)
}

// SubscriptionExists implements broker.Broker
func (t *Transport) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	return t.topology.QueueExists(ctx, name)
}

// CreateSubscription implements broker.Broker
func (t *Transport) CreateSubscription(ctx context.Context, topic, name string) error {
	exists, err := t.topology.QueueExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return broker.ErrSubscriptionExists
	}

	topicExists, err := t.topology.ExchangeExists(ctx, topic)
	if err != nil {
		return err
	}
	if !topicExists {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
	}

	err = t.topology.DeclareSubscription(ctx, rabbitmq.SubscriptionQueue{
		Name:     name,
		Exchange: topic,
		Expires:  t.expiry,
	})
	switch {
	case err == nil:
		t.logger.Info("subscription queue declared", "queue", name, "exchange", topic, "expires", t.expiry)
		return nil
	case rabbitmq.IsPreconditionFailed(err):
		return fmt.Errorf("%w: %w", broker.ErrSubscriptionExists, err)
	case rabbitmq.IsNotFound(err):
		return fmt.Errorf("%w: %w", broker.ErrTopicNotFound, err)
	default:
		return err
	}
}

// DeleteSubscription implements broker.Broker
func (t *Transport) DeleteSubscription(ctx context.Context, name string) error {
	err := t.topology.DeleteQueue(ctx, name)
	if err != nil && rabbitmq.IsNotFound(err) {
		return fmt.Errorf("%w: %s", broker.ErrSubscriptionNotFound, name)
	}
	return err
}

// Publish implements broker.Broker. The topic is the exchange and the routing key.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	id := uuid.NewString()
	msg := amqp.Publishing{
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      rabbitmq.AttributesToHeaders(attributes),
		Body:         data,
	}

	if err := t.publisher.Publish(ctx, topic, topic, msg); err != nil {
		return "", err
	}
	return id, nil
}

// Receive implements broker.Broker
func (t *Transport) Receive(ctx context.Context, name string, sink broker.Sink) error {
	return t.consumer.Stream(ctx, name, sink)
}

// Ping implements broker.Broker
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.manager.GetConnection()
	return err
}

// Close implements broker.Broker
func (t *Transport) Close() error {
	if err := t.pool.Close(); err != nil {
		t.logger.Warn("failed to close channel pool", "error", err)
	}
	return t.manager.Close()
}

// IsConnected reports whether the connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}
