// Package broker defines the message-broker surface consumed by the bridge.
//
// This package includes:
//   - Broker: Topic and subscription CRUD, publish, and streaming receive
//   - Subscription: A process-owned handle that fans stream events out to listeners
//   - Listener registration: Four event kinds (message, error, debug, close),
//     each registration identified by its exact kind and id
//
// Message events are claimed rather than broadcast: a delivered message is offered to
// message listeners in registration order and the first one that accepts it owns it.
// A message nobody claims is held in a bounded backlog until the next message listener
// registers, or released back to the broker for redelivery.
package broker
