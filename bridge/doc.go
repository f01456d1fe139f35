// Package bridge provides a synchronous HTTP-style request over asynchronous messaging.
//
// The bridge blocks a caller until exactly one message arrives on a subscription
// owned by the running process. Each process provisions its own subscription
// (base name plus instance id), so every process receives its own copy of every
// message published to the response topic.
//
// Key components:
//   - Provisioner: Ensures the process subscription exists and is streaming
//   - Waiter: Resolves a PendingWait with the first message delivered
//   - Forwarder: Publishes an inbound request envelope to the backend topic
//   - Bridge: The context object tying them together for HTTP handlers
//
// Basic usage:
//
//	b, err := bridge.New(brk, bridge.Config{
//	    ResponseTopic:    "bff-response",
//	    SubscriptionName: "response-pod1",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	payload, err := b.Await(ctx)
//
// There is no correlation id: the first message on the subscription answers the
// current wait. The Bridge therefore admits one wait at a time unless
// WithConcurrentWaits is given.
package bridge
