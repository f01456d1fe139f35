package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-httpbridge/contracts"
)

// Subscription is the process-owned handle on a broker subscription.
// It owns the stream while open and dispatches its events to registered listeners.
type Subscription struct {
	name         string
	topic        string
	broker       Broker
	logger       *slog.Logger
	backlogLimit int

	mu         sync.Mutex
	listeners  listenerSet
	backlog    []*contracts.Message
	open       bool
	generation uint64
	cancel     context.CancelFunc
}

// SubscriptionOption configures a Subscription
type SubscriptionOption func(*Subscription)

// WithSubscriptionLogger sets the logger
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionOption {
	return func(s *Subscription) {
		s.logger = logger
	}
}

// WithBacklogLimit sets how many unclaimed messages are held for the next listener
func WithBacklogLimit(limit int) SubscriptionOption {
	return func(s *Subscription) {
		s.backlogLimit = limit
	}
}

// NewSubscription creates a closed handle for the named subscription
func NewSubscription(b Broker, topic, name string, options ...SubscriptionOption) *Subscription {
	s := &Subscription{
		name:         name,
		topic:        topic,
		broker:       b,
		logger:       slog.Default(),
		backlogLimit: 16,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Name returns the subscription name
func (s *Subscription) Name() string {
	return s.name
}

// Topic returns the topic the subscription is bound to
func (s *Subscription) Topic() string {
	return s.topic
}

// IsOpen reports whether the stream is active
func (s *Subscription) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Open starts streaming. The stream outlives ctx's cancellation; use Close to stop it.
func (s *Subscription) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.open = true
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.broker.Receive(streamCtx, s.name, &subscriptionSink{sub: s, generation: gen}); err != nil {
		cancel()
		s.mu.Lock()
		if s.generation == gen {
			s.open = false
			s.cancel = nil
		}
		s.mu.Unlock()
		return err
	}

	s.logger.Info("subscription opened", "subscription", s.name, "topic", s.topic)
	return nil
}

// Close stops the stream. Close listeners fire once the transport reports the end of the stream.
func (s *Subscription) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// OnMessage registers a message listener. Backlogged messages are offered to it asynchronously.
func (s *Subscription) OnMessage(fn MessageListener) Registration {
	s.mu.Lock()
	reg := s.listeners.addMessage(fn)
	pending := len(s.backlog) > 0
	s.mu.Unlock()

	if pending {
		go s.drainBacklog()
	}
	return reg
}

// OnError registers an error listener
func (s *Subscription) OnError(fn ErrorListener) Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners.addError(EventError, fn)
}

// OnDebug registers a debug listener
func (s *Subscription) OnDebug(fn ErrorListener) Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners.addError(EventDebug, fn)
}

// OnClose registers a close listener
func (s *Subscription) OnClose(fn CloseListener) Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners.addClose(fn)
}

// Off removes exactly the listener identified by reg
func (s *Subscription) Off(reg Registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners.remove(reg)
}

// ListenerCount returns the number of listeners registered for kind
func (s *Subscription) ListenerCount(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners.count(kind)
}

// BacklogSize returns the number of unclaimed messages held
func (s *Subscription) BacklogSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// current reports whether gen is the live stream generation
func (s *Subscription) current(gen uint64) bool {
	return s.open && s.generation == gen
}

// offer hands msg to the first listener that claims it.
// Unclaimed messages go to the backlog unless listeners changed meanwhile.
func (s *Subscription) offer(msg *contracts.Message) bool {
	for {
		s.mu.Lock()
		version := s.listeners.version
		snapshot := make([]messageEntry, len(s.listeners.message))
		copy(snapshot, s.listeners.message)
		s.mu.Unlock()

		for _, entry := range snapshot {
			if entry.fn(msg) {
				return true
			}
		}

		s.mu.Lock()
		if s.listeners.version != version {
			s.mu.Unlock()
			continue
		}
		if len(s.backlog) < s.backlogLimit {
			s.backlog = append(s.backlog, msg)
			s.mu.Unlock()
			return false
		}
		s.mu.Unlock()

		s.logger.Warn("backlog full, releasing message for redelivery",
			"subscription", s.name,
			"messageId", msg.ID)
		if err := msg.Nack(); err != nil {
			s.logger.Error("failed to nack message", "subscription", s.name, "messageId", msg.ID, "error", err)
		}
		return false
	}
}

func (s *Subscription) drainBacklog() {
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 || len(s.listeners.message) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		if !s.offer(msg) {
			return
		}
	}
}

func (s *Subscription) dispatchMessage(gen uint64, msg *contracts.Message) {
	s.mu.Lock()
	live := s.current(gen)
	s.mu.Unlock()

	if !live {
		_ = msg.Nack()
		return
	}
	s.offer(msg)
}

func (s *Subscription) dispatchErrors(gen uint64, kind EventKind, err error) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	source := s.listeners.errors
	if kind == EventDebug {
		source = s.listeners.debug
	}
	snapshot := make([]errorEntry, len(source))
	copy(snapshot, source)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		if kind == EventError {
			s.logger.Error("unhandled subscription error", "subscription", s.name, "error", err)
		} else {
			s.logger.Debug("subscription debug", "subscription", s.name, "detail", err)
		}
		return
	}
	for _, entry := range snapshot {
		entry.fn(err)
	}
}

func (s *Subscription) dispatchClose(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	backlog := s.backlog
	s.backlog = nil
	snapshot := make([]closeEntry, len(s.listeners.close))
	copy(snapshot, s.listeners.close)
	s.mu.Unlock()

	for _, msg := range backlog {
		_ = msg.Nack()
	}

	s.logger.Info("subscription closed", "subscription", s.name)
	for _, entry := range snapshot {
		entry.fn()
	}
}

// subscriptionSink binds a transport stream to one generation of a Subscription
type subscriptionSink struct {
	sub        *Subscription
	generation uint64
}

func (k *subscriptionSink) Message(msg *contracts.Message) {
	k.sub.dispatchMessage(k.generation, msg)
}

func (k *subscriptionSink) Error(err error) {
	k.sub.dispatchErrors(k.generation, EventError, err)
}

func (k *subscriptionSink) Debug(err error) {
	k.sub.dispatchErrors(k.generation, EventDebug, err)
}

func (k *subscriptionSink) Close() {
	k.sub.dispatchClose(k.generation)
}
