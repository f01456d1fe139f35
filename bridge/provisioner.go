package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// ProvisionObserver receives the result of each Ensure call
type ProvisionObserver interface {
	ObserveProvision(result string)
}

// Provision results reported to a ProvisionObserver
const (
	ProvisionReused  = "reused"
	ProvisionCreated = "created"
	ProvisionOpened  = "opened"
	ProvisionFailed  = "failed"
)

// Provisioner makes sure the process subscription exists and is streaming
type Provisioner struct {
	broker     broker.Broker
	logger     *slog.Logger
	observer   ProvisionObserver
	subOptions []broker.SubscriptionOption

	mu      sync.Mutex
	handles map[string]*broker.Subscription
}

// ProvisionerOption configures a Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionerLogger sets the logger
func WithProvisionerLogger(logger *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// WithProvisionObserver sets the observer notified of every Ensure result
func WithProvisionObserver(observer ProvisionObserver) ProvisionerOption {
	return func(p *Provisioner) {
		p.observer = observer
	}
}

// WithSubscriptionOptions sets options applied to every handle the provisioner creates
func WithSubscriptionOptions(options ...broker.SubscriptionOption) ProvisionerOption {
	return func(p *Provisioner) {
		p.subOptions = append(p.subOptions, options...)
	}
}

type noopProvisionObserver struct{}

func (noopProvisionObserver) ObserveProvision(string) {}

// NewProvisioner creates a provisioner over b
func NewProvisioner(b broker.Broker, options ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		broker:   b,
		logger:   slog.Default(),
		observer: noopProvisionObserver{},
		handles:  make(map[string]*broker.Subscription),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Ensure returns an open handle for the named subscription on topic, creating the
// subscription when the broker does not have it. Ensure is not serialized; callers
// that may race should collapse calls themselves.
func (p *Provisioner) Ensure(ctx context.Context, topic, name string) (*broker.Subscription, error) {
	exists, err := p.broker.SubscriptionExists(ctx, name)
	if err != nil {
		return nil, p.fail("exists", topic, name, err)
	}

	result := ProvisionReused
	if !exists {
		err := p.broker.CreateSubscription(ctx, topic, name)
		switch {
		case err == nil:
			p.logger.Info("subscription created", "subscription", name, "topic", topic)
		case errors.Is(err, broker.ErrSubscriptionExists):
			p.logger.Debug("subscription created concurrently", "subscription", name)
		default:
			return nil, p.fail("create", topic, name, err)
		}
		result = ProvisionCreated
	}

	sub := p.handle(topic, name)
	if !sub.IsOpen() {
		if err := sub.Open(ctx); err != nil {
			return nil, p.fail("open", topic, name, err)
		}
		if result == ProvisionReused {
			result = ProvisionOpened
		}
	}

	p.observer.ObserveProvision(result)
	return sub, nil
}

// Cached returns the handle for name if one was provisioned
func (p *Provisioner) Cached(name string) (*broker.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.handles[name]
	return sub, ok
}

// Close stops every cached stream
func (p *Provisioner) Close() error {
	p.mu.Lock()
	handles := make([]*broker.Subscription, 0, len(p.handles))
	for _, sub := range p.handles {
		handles = append(handles, sub)
	}
	p.mu.Unlock()

	var errs []error
	for _, sub := range handles {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provisioner) handle(topic, name string) *broker.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.handles[name]
	if !ok {
		opts := append([]broker.SubscriptionOption{broker.WithSubscriptionLogger(p.logger)}, p.subOptions...)
		sub = broker.NewSubscription(p.broker, topic, name, opts...)
		p.handles[name] = sub
	}
	return sub
}

func (p *Provisioner) fail(op, topic, name string, err error) error {
	p.observer.ObserveProvision(ProvisionFailed)
	p.logger.Error("subscription provisioning failed",
		"op", op,
		"subscription", name,
		"topic", topic,
		"error", err)
	return &contracts.ProvisionError{Op: op, Topic: topic, Subscription: name, Err: err}
}
