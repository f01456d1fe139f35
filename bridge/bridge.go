package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Modes of operation
const (
	ModeWait    = "wait"
	ModeForward = "forward"
)

// Outcomes reported by Outcome
const (
	OutcomeOK        = "ok"
	OutcomePublish   = "publish_error"
	OutcomeProvision = "provision_error"
	OutcomeParse     = "parse_error"
	OutcomeStream    = "stream_error"
	OutcomeClosed    = "closed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// ProvisionTimeout bounds a shared Ensure call, which outlives the caller that started it
const ProvisionTimeout = 30 * time.Second

// ErrNoBackend is returned by Roundtrip on a wait-only bridge
var ErrNoBackend = errors.New("bridge has no backend topic")

// Observer receives bridge measurements
type Observer interface {
	ProvisionObserver
	ObserveWait(outcome string, elapsed time.Duration)
	PendingWaits(delta int)
}

type noopObserver struct {
	noopProvisionObserver
}

func (noopObserver) ObserveWait(string, time.Duration) {}

func (noopObserver) PendingWaits(int) {}

// Config holds the topic and subscription names a Bridge works with
type Config struct {
	ResponseTopic    string
	SubscriptionName string
	// BackendTopic is where requests are forwarded; empty means wait-only
	BackendTopic string
	// WaitTimeout bounds each wait; zero waits until the request context ends
	WaitTimeout time.Duration
	// RedeliveryDelay holds an unparseable reply before releasing it to the broker
	RedeliveryDelay time.Duration
}

// Bridge turns one HTTP request into a single message received on the process subscription
type Bridge struct {
	config      Config
	logger      *slog.Logger
	observer    Observer
	concurrent  bool
	backlog     int
	provisioner *Provisioner
	waiter      *Waiter
	forwarder   *Forwarder

	slots  *semaphore.Weighted
	group  singleflight.Group
	closed atomic.Bool
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithObserver sets the metrics observer
func WithObserver(observer Observer) Option {
	return func(b *Bridge) {
		b.observer = observer
	}
}

// WithConcurrentWaits lets several waits share the subscription at once.
// The first delivered message then answers whichever wait claims it first.
func WithConcurrentWaits() Option {
	return func(b *Bridge) {
		b.concurrent = true
	}
}

// WithBacklog sets how many unclaimed messages the subscription holds between waits
func WithBacklog(limit int) Option {
	return func(b *Bridge) {
		b.backlog = limit
	}
}

// New creates a bridge over brk
func New(brk broker.Broker, config Config, options ...Option) (*Bridge, error) {
	if config.ResponseTopic == "" {
		return nil, fmt.Errorf("response topic is required")
	}
	if config.SubscriptionName == "" {
		return nil, fmt.Errorf("subscription name is required")
	}

	b := &Bridge{
		config:   config,
		logger:   slog.Default(),
		observer: noopObserver{},
		slots:    semaphore.NewWeighted(1),
	}

	for _, opt := range options {
		opt(b)
	}

	subOpts := []broker.SubscriptionOption{}
	if b.backlog > 0 {
		subOpts = append(subOpts, broker.WithBacklogLimit(b.backlog))
	}
	b.provisioner = NewProvisioner(brk,
		WithProvisionerLogger(b.logger),
		WithProvisionObserver(b.observer),
		WithSubscriptionOptions(subOpts...))
	b.waiter = NewWaiter(WithWaiterLogger(b.logger), WithRedeliveryDelay(config.RedeliveryDelay))
	if config.BackendTopic != "" {
		b.forwarder = NewForwarder(brk, config.BackendTopic, WithForwarderLogger(b.logger))
	}

	return b, nil
}

// Mode returns ModeForward when a backend topic is configured, ModeWait otherwise
func (b *Bridge) Mode() string {
	if b.forwarder != nil {
		return ModeForward
	}
	return ModeWait
}

// SubscriptionName returns the process subscription name
func (b *Bridge) SubscriptionName() string {
	return b.config.SubscriptionName
}

// ResponseTopic returns the topic the subscription is bound to
func (b *Bridge) ResponseTopic() string {
	return b.config.ResponseTopic
}

// BackendTopic returns the forward topic, empty for a wait-only bridge
func (b *Bridge) BackendTopic() string {
	return b.config.BackendTopic
}

// Subscription returns the provisioned handle, if any
func (b *Bridge) Subscription() (*broker.Subscription, bool) {
	return b.provisioner.Cached(b.config.SubscriptionName)
}

// Warm provisions the subscription ahead of the first request
func (b *Bridge) Warm(ctx context.Context) error {
	_, err := b.ensure(ctx)
	return err
}

// Await waits for one message on the process subscription
func (b *Bridge) Await(ctx context.Context) (json.RawMessage, error) {
	return b.run(ctx, nil)
}

// Roundtrip forwards env to the backend topic and waits for one message
func (b *Bridge) Roundtrip(ctx context.Context, env *contracts.RequestEnvelope) (json.RawMessage, error) {
	if b.forwarder == nil {
		return nil, ErrNoBackend
	}
	return b.run(ctx, env)
}

// Close stops the subscription stream, rejecting pending waits with contracts.ErrClosed.
// Later waits fail the same way. The subscription itself is left for shutdown cleanup.
func (b *Bridge) Close() error {
	b.closed.Store(true)
	return b.provisioner.Close()
}

func (b *Bridge) errClosed() error {
	return fmt.Errorf("subscription %s: %w", b.config.SubscriptionName, contracts.ErrClosed)
}

func (b *Bridge) run(ctx context.Context, env *contracts.RequestEnvelope) (payload json.RawMessage, err error) {
	if !b.concurrent {
		if err := b.slots.Acquire(ctx, 1); err != nil {
			b.observer.ObserveWait(Outcome(err), 0)
			return nil, err
		}
		defer b.slots.Release(1)
	}
	if b.closed.Load() {
		err := b.errClosed()
		b.observer.ObserveWait(Outcome(err), 0)
		return nil, err
	}

	if b.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.WaitTimeout)
		defer cancel()
	}

	start := time.Now()
	b.observer.PendingWaits(1)
	defer func() {
		b.observer.PendingWaits(-1)
		b.observer.ObserveWait(Outcome(err), time.Since(start))
	}()

	if env != nil {
		if err := b.forwarder.Forward(ctx, env); err != nil {
			return nil, err
		}
	}

	sub, err := b.ensure(ctx)
	if err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, b.errClosed()
	}

	pending := b.waiter.AwaitOne(sub, nil)
	if !sub.IsOpen() {
		// closed between Ensure and registration; its close event is already gone
		pending.Cancel(b.errClosed())
	}
	return pending.Wait(ctx)
}

// ensure collapses concurrent provisioning. The shared call is detached from any
// one caller; each caller stops waiting when its own ctx ends.
func (b *Bridge) ensure(ctx context.Context) (*broker.Subscription, error) {
	ch := b.group.DoChan(b.config.SubscriptionName, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), ProvisionTimeout)
		defer cancel()
		return b.provisioner.Ensure(shared, b.config.ResponseTopic, b.config.SubscriptionName)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*broker.Subscription), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome classifies the error returned by Await or Roundtrip
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case contracts.IsPublishError(err):
		return OutcomePublish
	case contracts.IsProvisionError(err):
		return OutcomeProvision
	case contracts.IsParseError(err):
		return OutcomeParse
	case contracts.IsStreamError(err):
		return OutcomeStream
	case errors.Is(err, contracts.ErrClosed):
		return OutcomeClosed
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
