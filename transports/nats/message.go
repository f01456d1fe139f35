package nats

import (
	"strconv"
	"time"

	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ToMessage converts a JetStream delivery into a message settled through it
func ToMessage(msg jetstream.Msg) *contracts.Message {
	var (
		id    = msg.Headers().Get(nats.MsgIdHdr)
		ackID string
	)

	meta, err := msg.Metadata()
	if err == nil {
		ackID = strconv.FormatUint(meta.Sequence.Consumer, 10)
		if id == "" {
			id = strconv.FormatUint(meta.Sequence.Stream, 10)
		}
	}

	return contracts.NewMessage(id, ackID, msg.Data(), HeaderToAttributes(msg.Headers()), publishTime(meta), msgAcker{msg})
}

func publishTime(meta *jetstream.MsgMetadata) time.Time {
	if meta == nil {
		return time.Time{}
	}
	return meta.Timestamp
}

// HeaderToAttributes keeps the first value of every application header
func HeaderToAttributes(h nats.Header) map[string]string {
	attrs := make(map[string]string, len(h))
	for k, values := range h {
		if k == nats.MsgIdHdr || len(values) == 0 {
			continue
		}
		attrs[k] = values[0]
	}
	return attrs
}

// AttributesToHeader converts message attributes into NATS headers
func AttributesToHeader(attrs map[string]string) nats.Header {
	h := nats.Header{}
	for k, v := range attrs {
		h[k] = []string{v}
	}
	return h
}

type msgAcker struct {
	msg jetstream.Msg
}

func (a msgAcker) Ack() error {
	return a.msg.Ack()
}

func (a msgAcker) Nack() error {
	return a.msg.Nak()
}
