// Package rabbitmq provides the RabbitMQ plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: Owns the AMQP connection and reconnects after it drops
//   - ChannelPool: Reuses channels for short topology and publish operations
//   - Publisher: Publishes one message with a broker confirm, no retries
//   - Consumer: Streams a queue into a broker.Sink with manual acknowledgment
//   - TopologyManager: Passive existence checks, subscription queues, deletion
//
// Topics map to topic exchanges and subscriptions to durable queues bound with
// the "#" routing key, so every subscription sees every message on its topic.
package rabbitmq
