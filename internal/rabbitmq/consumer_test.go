package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// fakeAcknowledger records settlement calls made through amqp.Delivery
type fakeAcknowledger struct {
	acks    []uint64
	nacks   []uint64
	requeue []bool
	err     error
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks = append(f.acks, tag)
	return f.err
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks = append(f.nacks, tag)
	f.requeue = append(f.requeue, requeue)
	return f.err
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(acker amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  42,
		MessageId:    "msg-1",
		Timestamp:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Body:         []byte(`{"ok":true}`),
		Headers: amqp.Table{
			"method":  "GET",
			"raw":     []byte("bytes"),
			"retries": int32(3),
		},
	}
}

func TestToMessage(t *testing.T) {
	t.Run("Maps delivery fields", func(t *testing.T) {
		msg := ToMessage(delivery(&fakeAcknowledger{}))

		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "42", msg.AckID)
		assert.JSONEq(t, `{"ok":true}`, string(msg.Data))
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), msg.PublishTime)
		assert.Equal(t, map[string]string{"method": "GET", "raw": "bytes"}, msg.Attributes)
	})

	t.Run("Falls back to the delivery tag for the id", func(t *testing.T) {
		d := delivery(&fakeAcknowledger{})
		d.MessageId = ""
		assert.Equal(t, "42", ToMessage(d).ID)
	})

	t.Run("Ack settles the delivery once", func(t *testing.T) {
		acker := &fakeAcknowledger{}
		msg := ToMessage(delivery(acker))

		require.NoError(t, msg.Ack())
		assert.ErrorIs(t, msg.Ack(), contracts.ErrAlreadyAcknowledged)
		assert.Equal(t, []uint64{42}, acker.acks)
		assert.True(t, msg.Acked())
	})

	t.Run("Nack requeues", func(t *testing.T) {
		acker := &fakeAcknowledger{}
		msg := ToMessage(delivery(acker))

		require.NoError(t, msg.Nack())
		assert.Equal(t, []uint64{42}, acker.nacks)
		assert.Equal(t, []bool{true}, acker.requeue)
		assert.False(t, msg.Acked())
	})

	t.Run("Channel failure is returned from Ack", func(t *testing.T) {
		acker := &fakeAcknowledger{err: errors.New("channel closed")}
		msg := ToMessage(delivery(acker))

		assert.EqualError(t, msg.Ack(), "channel closed")
	})
}

func TestAttributesToHeaders(t *testing.T) {
	assert.Nil(t, AttributesToHeaders(nil))

	headers := AttributesToHeaders(map[string]string{"request-id": "r1"})
	assert.Equal(t, amqp.Table{"request-id": "r1"}, headers)
	assert.NoError(t, headers.Validate())
	assert.Equal(t, map[string]string{"request-id": "r1"}, HeadersToAttributes(headers))
}

func TestConsumerStream(t *testing.T) {
	t.Run("NewConsumer applies options", func(t *testing.T) {
		c := NewConsumer(&failingSource{}, WithPrefetchCount(1))
		assert.Equal(t, 1, c.prefetchCount)
		assert.NotNil(t, c.logger)
	})

	t.Run("Stream reports a channel failure", func(t *testing.T) {
		c := NewConsumer(&failingSource{})

		err := c.Stream(context.Background(), "resp-pod1", nil)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "open channel", consumerErr.Op)
		assert.Equal(t, "resp-pod1", consumerErr.Queue)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})
}

// streamBroker hands the subscription stream sink to the test
type streamBroker struct {
	sink broker.Sink
}

func (b *streamBroker) TopicExists(context.Context, string) (bool, error) {
	return true, nil
}

func (b *streamBroker) SubscriptionExists(context.Context, string) (bool, error) {
	return true, nil
}

func (b *streamBroker) CreateSubscription(context.Context, string, string) error {
	return nil
}

func (b *streamBroker) DeleteSubscription(context.Context, string) error {
	return nil
}

func (b *streamBroker) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", nil
}

func (b *streamBroker) Receive(_ context.Context, _ string, sink broker.Sink) error {
	b.sink = sink
	return nil
}

func (b *streamBroker) Ping(context.Context) error {
	return nil
}

func (b *streamBroker) Close() error {
	return nil
}

func TestRejectedDeliveryFreesPrefetchSlot(t *testing.T) {
	sb := &streamBroker{}
	sub := broker.NewSubscription(sb, "bff-response", "response-pod1")
	require.NoError(t, sub.Open(context.Background()))
	waiter := bridge.NewWaiter()

	t.Run("Unparseable delivery is requeued, not left unsettled", func(t *testing.T) {
		acker := &fakeAcknowledger{}
		d := delivery(acker)
		d.Body = []byte("not json")

		pending := waiter.AwaitOne(sub, nil)
		sb.sink.Message(ToMessage(d))

		_, err := pending.Wait(context.Background())
		assert.True(t, contracts.IsParseError(err))
		assert.Empty(t, acker.acks)
		assert.Equal(t, []uint64{42}, acker.nacks)
		assert.Equal(t, []bool{true}, acker.requeue)
	})

	t.Run("Next delivery is still acknowledged", func(t *testing.T) {
		acker := &fakeAcknowledger{}
		d := delivery(acker)
		d.DeliveryTag = 43

		pending := waiter.AwaitOne(sub, nil)
		sb.sink.Message(ToMessage(d))

		payload, err := pending.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(payload))
		assert.Equal(t, []uint64{43}, acker.acks)
		assert.Empty(t, acker.nacks)
	})
}
