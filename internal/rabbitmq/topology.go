package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SubscriptionRoutingKey binds a subscription queue to every message on its exchange
const SubscriptionRoutingKey = "#"

// TopologyManager manages exchanges and subscription queues
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// SubscriptionQueue defines a durable queue bound to one exchange
type SubscriptionQueue struct {
	Name     string
	Exchange string
	// Expires removes the queue after it has been unused this long; zero keeps it
	Expires time.Duration
}

// Arguments returns the queue arguments for q
func (q SubscriptionQueue) Arguments() amqp.Table {
	if q.Expires <= 0 {
		return nil
	}
	return amqp.Table{"x-expires": q.Expires.Milliseconds()}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// ExchangeExists checks for an exchange with a passive declare
func (tm *TopologyManager) ExchangeExists(ctx context.Context, name string) (bool, error) {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive(name, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	return passiveResult("exchange", name, err)
}

// QueueExists checks for a queue with a passive declare
func (tm *TopologyManager) QueueExists(ctx context.Context, name string) (bool, error) {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	return passiveResult("queue", name, err)
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareSubscription declares the queue and binds it to its exchange.
// A queue whose binding fails is deleted again so no unbound queue is left behind.
func (tm *TopologyManager) DeclareSubscription(ctx context.Context, queue SubscriptionQueue) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			queue.Name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			queue.Arguments(),
		)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	err = tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(queue.Name, SubscriptionRoutingKey, queue.Exchange, false, nil)
	})
	if err != nil {
		_ = tm.DeleteQueue(context.WithoutCancel(ctx), queue.Name)
		return &TopologyError{Component: "binding", Name: queue.Name + "->" + queue.Exchange, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeleteQueue deletes a queue regardless of consumers or contents
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// passiveResult maps a passive declare outcome; 404 means absent
func passiveResult(component, name string, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, &TopologyError{Component: component, Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
}
