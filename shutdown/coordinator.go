package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// DefaultBudget bounds how long cleanup waits for the subscription deletion
const DefaultBudget = 2000 * time.Millisecond

// Cleanup results reported to a CleanupObserver
const (
	ResultDeleted = "deleted"
	ResultAbsent  = "absent"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
)

// Deleter is the subset of broker.Broker cleanup needs
type Deleter interface {
	SubscriptionExists(ctx context.Context, name string) (bool, error)
	DeleteSubscription(ctx context.Context, name string) error
}

// CleanupObserver receives the cleanup result
type CleanupObserver interface {
	ObserveCleanup(result string)
}

// Hook runs before the subscription is deleted
type Hook func(ctx context.Context) error

// Coordinator runs cleanup once for whichever trigger fires first
type Coordinator struct {
	deleter      Deleter
	subscription string
	budget       time.Duration
	logger       *slog.Logger
	observer     CleanupObserver
	exit         func(code int)
	hooks        []Hook

	once sync.Once
	err  error
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithBudget sets the deletion wait budget
func WithBudget(budget time.Duration) Option {
	return func(c *Coordinator) {
		c.budget = budget
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithObserver sets the cleanup observer
func WithObserver(observer CleanupObserver) Option {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

// WithExitFunc replaces os.Exit
func WithExitFunc(exit func(code int)) Option {
	return func(c *Coordinator) {
		c.exit = exit
	}
}

// WithHook adds a hook run before deletion, in registration order
func WithHook(hook Hook) Option {
	return func(c *Coordinator) {
		c.hooks = append(c.hooks, hook)
	}
}

type noopObserver struct{}

func (noopObserver) ObserveCleanup(string) {}

// NewCoordinator creates a coordinator that deletes the named subscription
func NewCoordinator(d Deleter, subscription string, options ...Option) *Coordinator {
	c := &Coordinator{
		deleter:      d,
		subscription: subscription,
		budget:       DefaultBudget,
		logger:       slog.Default(),
		observer:     noopObserver{},
		exit:         os.Exit,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ExitCode returns the process exit code for a termination signal
func ExitCode(sig os.Signal) int {
	switch sig {
	case os.Interrupt, syscall.SIGTERM:
		return 0
	default:
		return 1
	}
}

// Graceful handles a termination signal: cleanup, then exit
func (c *Coordinator) Graceful(sig os.Signal) {
	code := ExitCode(sig)
	c.logger.Info("termination signal received", "signal", sig.String(), "exitCode", code)
	_ = c.Cleanup(context.Background())
	c.exit(code)
}

// Fatal handles an unrecoverable fault: cleanup, then exit 1
func (c *Coordinator) Fatal(err error) {
	c.logger.Error("fatal error, shutting down", "error", err)
	_ = c.Cleanup(context.Background())
	c.exit(1)
}

// Exit handles a normal return from main. It runs cleanup but leaves exiting to the caller.
func (c *Coordinator) Exit(code int) {
	c.logger.Info("exiting", "exitCode", code)
	_ = c.Cleanup(context.Background())
}

// Recover turns a panic into Fatal. It must be deferred directly.
func (c *Coordinator) Recover() {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		c.Fatal(err)
	}
}

// Watch handles SIGINT, SIGTERM, SIGUSR1 and SIGUSR2 until ctx is done.
// It returns after the first signal has been handled.
func (c *Coordinator) Watch(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	c.watch(ctx, signals)
}

func (c *Coordinator) watch(ctx context.Context, signals <-chan os.Signal) {
	select {
	case <-ctx.Done():
	case sig := <-signals:
		c.Graceful(sig)
	}
}

// Cleanup runs the hooks and deletes the subscription, at most once.
// Every call returns the result of the first run: nil when the subscription was
// deleted or already gone, *contracts.ShutdownTimeoutError when the budget ran out.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.cleanup(ctx)
	})
	return c.err
}

func (c *Coordinator) cleanup(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	for _, hook := range c.hooks {
		if err := hook(ctx); err != nil {
			c.logger.Warn("shutdown hook failed", "error", err)
		}
	}

	deleteCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := c.deleteSubscription(deleteCtx)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(c.budget)
	defer timer.Stop()

	select {
	case o := <-done:
		c.observer.ObserveCleanup(o.result)
		if o.err != nil {
			c.logger.Error("failed to delete subscription", "subscription", c.subscription, "error", o.err)
			return o.err
		}
		c.logger.Info("subscription cleanup finished", "subscription", c.subscription, "result", o.result)
		return nil
	case <-timer.C:
		c.observer.ObserveCleanup(ResultTimeout)
		err := &contracts.ShutdownTimeoutError{Subscription: c.subscription, Budget: c.budget}
		c.logger.Warn("subscription cleanup timed out", "subscription", c.subscription, "budget", c.budget)
		return err
	}
}

func (c *Coordinator) deleteSubscription(ctx context.Context) (string, error) {
	exists, err := c.deleter.SubscriptionExists(ctx, c.subscription)
	if err != nil {
		return ResultFailed, fmt.Errorf("check subscription %s: %w", c.subscription, err)
	}
	if !exists {
		return ResultAbsent, nil
	}

	if err := c.deleter.DeleteSubscription(ctx, c.subscription); err != nil {
		if errors.Is(err, broker.ErrSubscriptionNotFound) {
			return ResultAbsent, nil
		}
		return ResultFailed, fmt.Errorf("delete subscription %s: %w", c.subscription, err)
	}
	return ResultDeleted, nil
}
