package broker

import (
	"context"
	"errors"

	"github.com/glimte/mmate-httpbridge/contracts"
)

var (
	ErrSubscriptionExists   = errors.New("broker: subscription already exists")
	ErrSubscriptionNotFound = errors.New("broker: subscription not found")
	ErrTopicNotFound        = errors.New("broker: topic not found")
	ErrBrokerClosed         = errors.New("broker: closed")
)

// Sink receives the events of one subscription stream.
// Transports call Close exactly once, when the stream ends for any reason.
type Sink interface {
	Message(msg *contracts.Message)
	Error(err error)
	Debug(err error)
	Close()
}

// Broker is the capability set the bridge needs from a message broker
type Broker interface {
	// TopicExists reports whether the named topic exists
	TopicExists(ctx context.Context, topic string) (bool, error)

	// SubscriptionExists reports whether the named subscription exists
	SubscriptionExists(ctx context.Context, name string) (bool, error)

	// CreateSubscription creates a subscription bound to topic with default delivery settings.
	// ErrSubscriptionExists is returned when it already exists.
	CreateSubscription(ctx context.Context, topic, name string) error

	// DeleteSubscription removes the subscription
	DeleteSubscription(ctx context.Context, name string) error

	// Publish sends data to topic and returns the broker-assigned message id
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)

	// Receive starts streaming the subscription into sink and returns once streaming began.
	// Streaming stops when ctx is cancelled.
	Receive(ctx context.Context, name string, sink Sink) error

	// Ping verifies connectivity
	Ping(ctx context.Context) error

	// Close releases broker resources
	Close() error
}
