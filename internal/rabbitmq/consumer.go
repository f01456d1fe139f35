package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer streams queues into broker sinks, one dedicated channel per stream
type Consumer struct {
	source        ChannelSource
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(source ChannelSource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:        source,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Stream starts consuming queue with manual acknowledgment. Deliveries and channel
// events go to sink until ctx is done or the broker ends the stream; sink.Close is
// called exactly once at the end.
func (c *Consumer) Stream(ctx context.Context, queue string, sink broker.Sink) error {
	tag := "httpbridge-" + uuid.NewString()
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.source.Channel()
	if err != nil {
		return fail("open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fail("qos", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))
	flow := ch.NotifyFlow(make(chan bool, 1))

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		if IsNotFound(err) {
			return fmt.Errorf("%w: %s", broker.ErrSubscriptionNotFound, queue)
		}
		return fail("consume", err)
	}

	c.logger.Info("consuming queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	go c.pump(ctx, ch, queue, tag, stream{deliveries: deliveries, closed: closed, cancelled: cancelled, flow: flow}, sink)
	return nil
}

type stream struct {
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error
	cancelled  <-chan string
	flow       <-chan bool
}

func (c *Consumer) pump(ctx context.Context, ch *amqp.Channel, queue, tag string, st stream, sink broker.Sink) {
	defer sink.Close()
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
		c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Debug("consumer cancel failed", "queue", queue, "error", err)
			}
			return

		case d, ok := <-st.deliveries:
			if !ok {
				c.reportClose(st.closed, queue, tag, sink)
				return
			}
			sink.Message(ToMessage(d))

		case <-st.cancelled:
			sink.Error(&ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: ErrConsumerCancelled, Timestamp: time.Now()})
			return

		case active, ok := <-st.flow:
			if ok {
				sink.Debug(fmt.Errorf("rabbitmq: channel flow active=%t on queue %s", active, queue))
			} else {
				st.flow = nil
			}

		case err, ok := <-st.closed:
			if ok && err != nil {
				sink.Error(&ConsumerError{Queue: queue, ConsumerTag: tag, Op: "channel", Err: err, Timestamp: time.Now()})
			}
			return
		}
	}
}

// reportClose forwards a pending channel close error, if any
func (c *Consumer) reportClose(closed <-chan *amqp.Error, queue, tag string, sink broker.Sink) {
	select {
	case err, ok := <-closed:
		if ok && err != nil {
			sink.Error(&ConsumerError{Queue: queue, ConsumerTag: tag, Op: "channel", Err: err, Timestamp: time.Now()})
		}
	default:
	}
}

// ToMessage converts a delivery into a message settled through the delivery's channel
func ToMessage(d amqp.Delivery) *contracts.Message {
	tag := strconv.FormatUint(d.DeliveryTag, 10)
	id := d.MessageId
	if id == "" {
		id = tag
	}
	return contracts.NewMessage(id, tag, d.Body, HeadersToAttributes(d.Headers), d.Timestamp, deliveryAcker{d})
}

// HeadersToAttributes keeps string-valued headers
func HeadersToAttributes(headers amqp.Table) map[string]string {
	attrs := make(map[string]string, len(headers))
	for k, v := range headers {
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case []byte:
			attrs[k] = string(val)
		}
	}
	return attrs
}

// AttributesToHeaders converts message attributes into AMQP headers
func AttributesToHeaders(attrs map[string]string) amqp.Table {
	if len(attrs) == 0 {
		return nil
	}
	headers := make(amqp.Table, len(attrs))
	for k, v := range attrs {
		headers[k] = v
	}
	return headers
}

type deliveryAcker struct {
	delivery amqp.Delivery
}

func (a deliveryAcker) Ack() error {
	return a.delivery.Ack(false)
}

func (a deliveryAcker) Nack() error {
	return a.delivery.Nack(false, true)
}
