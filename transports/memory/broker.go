// Package memory provides an in-process broker.Broker.
//
// It keeps topics, subscriptions, and deliveries in memory with the same
// at-least-once semantics as a real broker: unacknowledged and released
// deliveries are redelivered when the next stream starts. Tests use the
// injection helpers (EmitError, EmitDebug, EndStream, Fail) to drive stream
// events deterministically.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// Operation names accepted by Fail
const (
	OpTopicExists        = "topicExists"
	OpSubscriptionExists = "subscriptionExists"
	OpCreate             = "create"
	OpDelete             = "delete"
	OpPublish            = "publish"
	OpReceive            = "receive"
	OpPing               = "ping"
)

type record struct {
	id          string
	data        []byte
	attributes  map[string]string
	publishTime time.Time
	deliveries  int
}

type event struct {
	kind broker.EventKind
	rec  *record
	err  error
}

type stream struct {
	sink   broker.Sink
	events []event
	notify chan struct{}
	ended  bool
}

type subscription struct {
	topic    string
	queue    []*record
	inflight map[string]*record
	stream   *stream
	acked    int
}

// Broker is an in-memory broker
type Broker struct {
	mu            sync.Mutex
	topics        map[string]bool
	subscriptions map[string]*subscription
	failures      map[string]error
	calls         map[string]int
	deleteDelay   time.Duration
	autoTopics    bool
	seq           uint64
	closed        bool
}

// Option configures the in-memory broker
type Option func(*Broker)

// WithTopics pre-creates topics
func WithTopics(names ...string) Option {
	return func(b *Broker) {
		for _, name := range names {
			b.topics[name] = true
		}
	}
}

// WithAutoTopics creates topics on first use
func WithAutoTopics() Option {
	return func(b *Broker) {
		b.autoTopics = true
	}
}

// WithDeleteDelay delays DeleteSubscription, simulating a slow broker
func WithDeleteDelay(delay time.Duration) Option {
	return func(b *Broker) {
		b.deleteDelay = delay
	}
}

// New creates an in-memory broker
func New(options ...Option) *Broker {
	b := &Broker{
		topics:        make(map[string]bool),
		subscriptions: make(map[string]*subscription),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// CreateTopic adds a topic
func (b *Broker) CreateTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[name] = true
}

// Fail makes every later call of op return err; a nil err clears the failure
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls returns how many times op was invoked
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// begin records a call and returns the injected failure, if any
func (b *Broker) begin(op string) error {
	b.calls[op]++
	if b.closed {
		return broker.ErrBrokerClosed
	}
	return b.failures[op]
}

// TopicExists implements broker.Broker
func (b *Broker) TopicExists(ctx context.Context, topic string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpTopicExists); err != nil {
		return false, err
	}
	return b.topics[topic] || b.autoTopics, nil
}

// SubscriptionExists implements broker.Broker
func (b *Broker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpSubscriptionExists); err != nil {
		return false, err
	}
	_, ok := b.subscriptions[name]
	return ok, nil
}

// CreateSubscription implements broker.Broker
func (b *Broker) CreateSubscription(ctx context.Context, topic, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpCreate); err != nil {
		return err
	}
	if !b.topics[topic] {
		if !b.autoTopics {
			return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
		}
		b.topics[topic] = true
	}
	if _, ok := b.subscriptions[name]; ok {
		return broker.ErrSubscriptionExists
	}
	b.subscriptions[name] = &subscription{
		topic:    topic,
		inflight: make(map[string]*record),
	}
	return nil
}

// DeleteSubscription implements broker.Broker
func (b *Broker) DeleteSubscription(ctx context.Context, name string) error {
	b.mu.Lock()
	err := b.begin(OpDelete)
	delay := b.deleteDelay
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	sub, ok := b.subscriptions[name]
	if !ok {
		b.mu.Unlock()
		return broker.ErrSubscriptionNotFound
	}
	delete(b.subscriptions, name)
	if sub.stream != nil {
		b.endLocked(sub)
	}
	b.mu.Unlock()
	return nil
}

// Publish implements broker.Broker
func (b *Broker) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpPublish); err != nil {
		return "", err
	}
	if !b.topics[topic] {
		if !b.autoTopics {
			return "", fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
		}
		b.topics[topic] = true
	}

	b.seq++
	id := strconv.FormatUint(b.seq, 10)
	now := time.Now()
	for _, sub := range b.subscriptions {
		if sub.topic != topic {
			continue
		}
		rec := &record{
			id:          id,
			data:        append([]byte(nil), data...),
			attributes:  copyAttributes(attributes),
			publishTime: now,
		}
		b.enqueueLocked(sub, rec)
	}
	return id, nil
}

// Receive implements broker.Broker
func (b *Broker) Receive(ctx context.Context, name string, sink broker.Sink) error {
	b.mu.Lock()
	if err := b.begin(OpReceive); err != nil {
		b.mu.Unlock()
		return err
	}
	sub, ok := b.subscriptions[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", broker.ErrSubscriptionNotFound, name)
	}
	if sub.stream != nil {
		b.mu.Unlock()
		return fmt.Errorf("memory: subscription %s already streaming", name)
	}

	st := &stream{sink: sink, notify: make(chan struct{}, 1)}
	for _, rec := range sub.queue {
		st.events = append(st.events, event{kind: broker.EventMessage, rec: rec})
	}
	sub.queue = nil
	sub.stream = st
	if len(st.events) > 0 {
		signal(st)
	}
	b.mu.Unlock()

	go b.pump(ctx, name, sub, st)
	return nil
}

// Ping implements broker.Broker
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begin(OpPing)
}

// Close implements broker.Broker
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subscriptions {
		if sub.stream != nil {
			b.endLocked(sub)
		}
	}
	return nil
}

// EmitError injects a stream error event
func (b *Broker) EmitError(name string, err error) {
	b.inject(name, event{kind: broker.EventError, err: err})
}

// EmitDebug injects a stream debug event
func (b *Broker) EmitDebug(name string, err error) {
	b.inject(name, event{kind: broker.EventDebug, err: err})
}

// EndStream ends the active stream as if the broker closed it
func (b *Broker) EndStream(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscriptions[name]; ok && sub.stream != nil {
		b.endLocked(sub)
	}
}

// Streaming reports whether the subscription has an active stream
func (b *Broker) Streaming(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[name]
	return ok && sub.stream != nil
}

// Acked returns the number of acknowledged deliveries on a subscription
func (b *Broker) Acked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscriptions[name]; ok {
		return sub.acked
	}
	return 0
}

// Unacked returns the number of queued or in-flight deliveries on a subscription
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[name]
	if !ok {
		return 0
	}
	n := len(sub.queue) + len(sub.inflight)
	if sub.stream != nil {
		for _, ev := range sub.stream.events {
			if ev.kind == broker.EventMessage {
				n++
			}
		}
	}
	return n
}

// InFlight returns the number of delivered deliveries not yet settled on a subscription
func (b *Broker) InFlight(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscriptions[name]; ok {
		return len(sub.inflight)
	}
	return 0
}

func (b *Broker) inject(name string, ev event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[name]
	if !ok || sub.stream == nil {
		return
	}
	sub.stream.events = append(sub.stream.events, ev)
	signal(sub.stream)
}

func (b *Broker) enqueueLocked(sub *subscription, rec *record) {
	if sub.stream == nil {
		sub.queue = append(sub.queue, rec)
		return
	}
	sub.stream.events = append(sub.stream.events, event{kind: broker.EventMessage, rec: rec})
	signal(sub.stream)
}

// endLocked detaches the stream and requeues everything it had not settled
func (b *Broker) endLocked(sub *subscription) {
	st := sub.stream
	sub.stream = nil
	st.ended = true
	for _, ev := range st.events {
		if ev.kind == broker.EventMessage {
			sub.queue = append(sub.queue, ev.rec)
		}
	}
	st.events = nil
	for id, rec := range sub.inflight {
		sub.queue = append(sub.queue, rec)
		delete(sub.inflight, id)
	}
	signal(st)
}

func (b *Broker) pump(ctx context.Context, name string, sub *subscription, st *stream) {
	defer st.sink.Close()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if sub.stream == st {
				b.endLocked(sub)
			}
			b.mu.Unlock()
			return
		case <-st.notify:
		}

		for {
			b.mu.Lock()
			if st.ended {
				b.mu.Unlock()
				return
			}
			if len(st.events) == 0 {
				b.mu.Unlock()
				break
			}
			ev := st.events[0]
			st.events = st.events[1:]
			var msg *contracts.Message
			if ev.kind == broker.EventMessage {
				ev.rec.deliveries++
				sub.inflight[ev.rec.id] = ev.rec
				msg = b.toMessage(sub, ev.rec)
			}
			b.mu.Unlock()

			switch ev.kind {
			case broker.EventMessage:
				st.sink.Message(msg)
			case broker.EventError:
				st.sink.Error(ev.err)
			case broker.EventDebug:
				st.sink.Debug(ev.err)
			}
		}
	}
}

func (b *Broker) toMessage(sub *subscription, rec *record) *contracts.Message {
	ackID := fmt.Sprintf("%s-%d", rec.id, rec.deliveries)
	return contracts.NewMessage(rec.id, ackID, rec.data, copyAttributes(rec.attributes), rec.publishTime,
		&acknowledger{broker: b, sub: sub, rec: rec})
}

type acknowledger struct {
	broker *Broker
	sub    *subscription
	rec    *record
}

func (a *acknowledger) Ack() error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	if _, ok := a.sub.inflight[a.rec.id]; !ok {
		return fmt.Errorf("memory: delivery %s is no longer in flight", a.rec.id)
	}
	delete(a.sub.inflight, a.rec.id)
	a.sub.acked++
	return nil
}

func (a *acknowledger) Nack() error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	if _, ok := a.sub.inflight[a.rec.id]; !ok {
		return fmt.Errorf("memory: delivery %s is no longer in flight", a.rec.id)
	}
	delete(a.sub.inflight, a.rec.id)
	a.sub.queue = append(a.sub.queue, a.rec)
	return nil
}

func signal(st *stream) {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func copyAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
