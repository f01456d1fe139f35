// Package nats implements broker.Broker on NATS JetStream.
//
// Topics are subjects captured by one configured stream. A subscription is a
// durable consumer on that stream filtered to its topic; it starts at new
// messages and is removed by the server after the inactivity threshold.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var _ broker.Broker = (*Transport)(nil)

// Defaults
const (
	DefaultStream            = "BRIDGE"
	DefaultInactiveThreshold = 24 * time.Hour
	pingTimeout              = 5 * time.Second
)

// Transport implements broker.Broker for NATS JetStream
type Transport struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   string
	inactive time.Duration
	logger   *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Stream            string
	DeclareTopics     []string
	InactiveThreshold time.Duration
	ConnectOptions    []nats.Option
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithStream sets the stream holding the topics
func WithStream(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Stream = name
	}
}

// WithDeclareTopics creates or updates the stream to capture topics
func WithDeclareTopics(topics ...string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareTopics = append(cfg.DeclareTopics, topics...)
	}
}

// WithInactiveThreshold sets how long an unused consumer survives on the server
func WithInactiveThreshold(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.InactiveThreshold = d
	}
}

// WithConnectOptions adds nats.Connect options
func WithConnectOptions(opts ...nats.Option) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectOptions = append(cfg.ConnectOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to NATS and prepares the stream
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Stream:            DefaultStream,
		InactiveThreshold: DefaultInactiveThreshold,
		Logger:            slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger
	connOpts := append([]nats.Option{
		nats.Name("httpbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrlRedacted())
		}),
	}, cfg.ConnectOptions...)

	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		conn:     nc,
		js:       js,
		stream:   cfg.Stream,
		inactive: cfg.InactiveThreshold,
		logger:   logger,
	}

	if len(cfg.DeclareTopics) > 0 {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: cfg.DeclareTopics,
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to declare stream %s: %w", cfg.Stream, err)
		}
	}

	logger.Info("connected to NATS", "url", nc.ConnectedUrlRedacted(), "stream", cfg.Stream)
	return t, nil
}

// TopicExists implements broker.Broker. A topic exists when the configured stream captures it.
func (t *Transport) TopicExists(ctx context.Context, topic string) (bool, error) {
	name, err := t.js.StreamNameBySubject(ctx, topic)
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		return false, nil
	case err != nil:
		return false, err
	default:
		return name == t.stream, nil
	}
}

// SubscriptionExists implements broker.Broker
func (t *Transport) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	_, err := t.js.Consumer(ctx, t.stream, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jetstream.ErrConsumerNotFound), errors.Is(err, jetstream.ErrStreamNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CreateSubscription implements broker.Broker
func (t *Transport) CreateSubscription(ctx context.Context, topic, name string) error {
	ok, err := t.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
	}

	_, err = t.js.CreateConsumer(ctx, t.stream, ConsumerConfig(topic, name, t.inactive))
	switch {
	case err == nil:
		t.logger.Info("durable consumer created", "consumer", name, "stream", t.stream, "subject", topic)
		return nil
	case errors.Is(err, jetstream.ErrConsumerExists):
		return fmt.Errorf("%w: %w", broker.ErrSubscriptionExists, err)
	default:
		return err
	}
}

// ConsumerConfig returns the durable consumer definition for a subscription
func ConsumerConfig(topic, name string, inactive time.Duration) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:           name,
		FilterSubject:     topic,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: inactive,
	}
}

// DeleteSubscription implements broker.Broker
func (t *Transport) DeleteSubscription(ctx context.Context, name string) error {
	err := t.js.DeleteConsumer(ctx, t.stream, name)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("%w: %s", broker.ErrSubscriptionNotFound, name)
	}
	return err
}

// Publish implements broker.Broker
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	id := uuid.NewString()
	msg := &nats.Msg{
		Subject: topic,
		Data:    data,
		Header:  AttributesToHeader(attributes),
	}

	ack, err := t.js.PublishMsg(ctx, msg, jetstream.WithMsgID(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoStreamResponse) {
			return "", fmt.Errorf("%w: %s: %w", broker.ErrTopicNotFound, topic, err)
		}
		return "", err
	}

	t.logger.Debug("message stored", "subject", topic, "stream", ack.Stream, "sequence", ack.Sequence)
	return id, nil
}

// Receive implements broker.Broker
func (t *Transport) Receive(ctx context.Context, name string, sink broker.Sink) error {
	consumer, err := t.js.Consumer(ctx, t.stream, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return fmt.Errorf("%w: %s", broker.ErrSubscriptionNotFound, name)
		}
		return err
	}

	cc, err := consumer.Consume(
		func(msg jetstream.Msg) {
			sink.Message(ToMessage(msg))
		},
		jetstream.ConsumeErrHandler(func(cc jetstream.ConsumeContext, err error) {
			if Terminal(err) {
				sink.Error(err)
				cc.Stop()
				return
			}
			sink.Debug(err)
		}),
	)
	if err != nil {
		return err
	}

	go func() {
		defer sink.Close()
		select {
		case <-ctx.Done():
			cc.Stop()
		case <-cc.Closed():
		}
		<-cc.Closed()
	}()
	return nil
}

// Terminal reports whether a consume error ends the stream
func Terminal(err error) bool {
	return errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, nats.ErrConnectionClosed)
}

// Ping implements broker.Broker with a server round trip
func (t *Transport) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return t.conn.FlushWithContext(ctx)
}

// Close implements broker.Broker
func (t *Transport) Close() error {
	t.conn.Close()
	return nil
}
