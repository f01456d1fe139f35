package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-httpbridge/contracts"
)

// Publisher is the subset of broker.Broker the forwarder needs
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)
}

// Forwarder publishes inbound requests to the backend topic
type Forwarder struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
}

// ForwarderOption configures a Forwarder
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger
func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// NewForwarder creates a forwarder publishing to topic
func NewForwarder(p Publisher, topic string, options ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		publisher: p,
		topic:     topic,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Topic returns the backend topic
func (f *Forwarder) Topic() string {
	return f.topic
}

// Forward publishes env once. Failures are returned as *contracts.PublishError.
func (f *Forwarder) Forward(ctx context.Context, env *contracts.RequestEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return &contracts.PublishError{Topic: f.topic, Err: fmt.Errorf("encode envelope: %w", err)}
	}

	id, err := f.publisher.Publish(ctx, f.topic, data, env.Attributes())
	if err != nil {
		f.logger.Error("failed to publish request",
			"topic", f.topic,
			"requestId", env.RequestID,
			"error", err)
		return &contracts.PublishError{Topic: f.topic, Err: err}
	}

	f.logger.Debug("request published",
		"topic", f.topic,
		"requestId", env.RequestID,
		"messageId", id)
	return nil
}
