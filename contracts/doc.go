// Package contracts provides the data types that flow through the HTTP bridge.
//
// This package defines:
//   - Message: A delivered broker message with exactly-once acknowledgment
//   - RequestEnvelope: The JSON envelope published for an inbound HTTP request
//   - Error kinds: ProvisionError, PublishError, ParseError, StreamError, ErrClosed
//     and ShutdownTimeoutError
//
// Types here are transport-agnostic. Broker adapters translate their native
// deliveries into Message values and their failures into these error kinds.
package contracts
