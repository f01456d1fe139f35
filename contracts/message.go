package contracts

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrAlreadyAcknowledged is returned when a message is settled a second time
var ErrAlreadyAcknowledged = errors.New("contracts: message already acknowledged")

// Acknowledger settles a delivery with the broker that produced it
type Acknowledger interface {
	Ack() error
	Nack() error
}

// Message is an immutable broker delivery.
// A delivery is settled at most once: either acknowledged, or released for redelivery.
type Message struct {
	ID          string
	AckID       string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time

	acker   Acknowledger
	settled atomic.Int32
}

const (
	messageUnsettled int32 = iota
	messageAcked
	messageNacked
)

// NewMessage creates a message backed by the given acknowledger.
// A nil acknowledger makes Ack and Nack local-only.
func NewMessage(id, ackID string, data []byte, attributes map[string]string, publishTime time.Time, acker Acknowledger) *Message {
	if attributes == nil {
		attributes = make(map[string]string)
	}
	return &Message{
		ID:          id,
		AckID:       ackID,
		Data:        data,
		Attributes:  attributes,
		PublishTime: publishTime,
		acker:       acker,
	}
}

// Ack acknowledges the message, removing it from redelivery
func (m *Message) Ack() error {
	if !m.settled.CompareAndSwap(messageUnsettled, messageAcked) {
		return ErrAlreadyAcknowledged
	}
	if m.acker == nil {
		return nil
	}
	return m.acker.Ack()
}

// Nack releases the message back to the broker for redelivery
func (m *Message) Nack() error {
	if !m.settled.CompareAndSwap(messageUnsettled, messageNacked) {
		return ErrAlreadyAcknowledged
	}
	if m.acker == nil {
		return nil
	}
	return m.acker.Nack()
}

// Acked reports whether the message has been acknowledged
func (m *Message) Acked() bool {
	return m.settled.Load() == messageAcked
}

// Settled reports whether the message has been acknowledged or released
func (m *Message) Settled() bool {
	return m.settled.Load() != messageUnsettled
}

// Attribute returns a single attribute value
func (m *Message) Attribute(key string) string {
	return m.Attributes[key]
}
