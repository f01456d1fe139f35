package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-httpbridge/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
)

func TestNewTransport(t *testing.T) {
	t.Run("Fails fast on an unusable URL", func(t *testing.T) {
		tr, err := NewTransport(context.Background(), "invalid://url",
			WithConnectionOptions(rabbitmq.WithDialTimeout(time.Second)))

		assert.Nil(t, tr)
		var connErr *rabbitmq.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("Options accumulate", func(t *testing.T) {
		cfg := &TransportConfig{QueueExpiry: DefaultQueueExpiry}
		for _, opt := range []TransportOption{
			WithDeclareTopics("bff-request"),
			WithDeclareTopics("bff-response"),
			WithQueueExpiry(time.Hour),
			WithConsumerOptions(rabbitmq.WithPrefetchCount(1)),
			WithPublisherOptions(rabbitmq.WithConfirmTimeout(time.Second)),
		} {
			opt(cfg)
		}

		assert.Equal(t, []string{"bff-request", "bff-response"}, cfg.DeclareTopics)
		assert.Equal(t, time.Hour, cfg.QueueExpiry)
		assert.Len(t, cfg.ConsumerOptions, 1)
		assert.Len(t, cfg.PublisherOptions, 1)
	})
}
