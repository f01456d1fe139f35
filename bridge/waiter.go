package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// Callback is invoked once when a wait settles.
// A close without a message yields (nil, nil).
type Callback func(payload json.RawMessage, err error)

// WaitState is the observable state of a PendingWait
type WaitState int32

const (
	WaitPending WaitState = iota
	WaitResolved
	WaitRejected
)

func (s WaitState) String() string {
	switch s {
	case WaitPending:
		return "pending"
	case WaitResolved:
		return "resolved"
	case WaitRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

const (
	statePending int32 = iota
	stateSettling
	stateResolved
	stateRejected
)

// Waiter creates single-shot waits on a subscription
type Waiter struct {
	logger     *slog.Logger
	redelivery time.Duration
}

// WaiterOption configures a Waiter
type WaiterOption func(*Waiter)

// WithWaiterLogger sets the logger
func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		w.logger = logger
	}
}

// WithRedeliveryDelay sets how long an unparseable message is held before it is
// released back to the broker. Zero releases it as soon as the wait is rejected.
func WithRedeliveryDelay(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.redelivery = d
	}
}

// NewWaiter creates a new waiter
func NewWaiter(options ...WaiterOption) *Waiter {
	w := &Waiter{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// PendingWait is one outstanding AwaitOne call
type PendingWait struct {
	sub        broker.Listenable
	cb         Callback
	logger     *slog.Logger
	redelivery time.Duration

	state   atomic.Int32
	done    chan struct{}
	payload json.RawMessage
	err     error

	mu       sync.Mutex
	regs     []broker.Registration
	torndown bool
	teardown sync.Once
}

// AwaitOne registers message, error, debug and close listeners on sub and returns
// the wait they settle. The message listener is registered last so a backlogged
// message never settles the wait before its other listeners exist.
func (w *Waiter) AwaitOne(sub broker.Listenable, cb Callback) *PendingWait {
	p := &PendingWait{
		sub:        sub,
		cb:         cb,
		logger:     w.logger.With("subscription", sub.Name()),
		redelivery: w.redelivery,
		done:       make(chan struct{}),
	}

	p.track(sub.OnError(p.onError))
	p.track(sub.OnDebug(p.onDebug))
	p.track(sub.OnClose(p.onClose))
	p.track(sub.OnMessage(p.onMessage))

	return p
}

// Wait blocks until the wait settles or ctx is done.
// Cancellation rejects the wait with the context error.
func (p *PendingWait) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel(ctx.Err())
		<-p.done
	}
	return p.payload, p.err
}

// Done is closed once the wait has settled
func (p *PendingWait) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled outcome; it is meaningful only after Done is closed
func (p *PendingWait) Result() (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	default:
		return nil, nil
	}
}

// State returns the current state
func (p *PendingWait) State() WaitState {
	switch p.state.Load() {
	case stateResolved:
		return WaitResolved
	case stateRejected:
		return WaitRejected
	default:
		return WaitPending
	}
}

// Cancel rejects a still-pending wait with err. It reports whether it settled the wait.
func (p *PendingWait) Cancel(err error) bool {
	if !p.claim() {
		return false
	}
	p.settle(stateRejected, nil, err, err)
	return true
}

func (p *PendingWait) claim() bool {
	return p.state.CompareAndSwap(statePending, stateSettling)
}

func (p *PendingWait) onMessage(msg *contracts.Message) bool {
	if !p.claim() {
		return false
	}

	var parsed any
	if err := json.Unmarshal(msg.Data, &parsed); err != nil {
		parseErr := &contracts.ParseError{MessageID: msg.ID, Err: err}
		p.logger.Warn("response payload is not valid JSON", "messageId", msg.ID, "error", err)
		p.settle(stateRejected, nil, parseErr, parseErr)
		p.releaseMessage(msg)
		return true
	}

	if err := msg.Ack(); err != nil {
		p.logger.Error("failed to ack message", "messageId", msg.ID, "error", err)
	}

	payload := json.RawMessage(append([]byte(nil), msg.Data...))
	p.settle(stateResolved, payload, nil, nil)
	return true
}

// releaseMessage hands an unacknowledged message back for redelivery, so it
// does not hold a delivery slot on the broker
func (p *PendingWait) releaseMessage(msg *contracts.Message) {
	nack := func() {
		if err := msg.Nack(); err != nil {
			p.logger.Debug("failed to release message", "messageId", msg.ID, "error", err)
		}
	}
	if p.redelivery <= 0 {
		nack()
		return
	}
	time.AfterFunc(p.redelivery, nack)
}

func (p *PendingWait) onError(err error) {
	if !p.claim() {
		return
	}
	p.logger.Error("subscription stream error", "error", err)
	p.settle(stateRejected, nil, err, &contracts.StreamError{Subscription: p.sub.Name(), Err: err})
}

func (p *PendingWait) onDebug(err error) {
	p.logger.Debug("subscription debug", "detail", err)
}

func (p *PendingWait) onClose() {
	if !p.claim() {
		return
	}
	p.settle(stateRejected, nil, nil, fmt.Errorf("subscription %s: %w", p.sub.Name(), contracts.ErrClosed))
}

// settle runs the terminal transition: callback, teardown, then publish the result.
// Only the goroutine that won claim calls it.
func (p *PendingWait) settle(state int32, payload json.RawMessage, cbErr, result error) {
	if p.cb != nil {
		p.cb(payload, cbErr)
	}
	p.release()
	p.payload = payload
	p.err = result
	p.state.Store(state)
	close(p.done)
}

func (p *PendingWait) track(reg broker.Registration) {
	p.mu.Lock()
	if p.torndown {
		p.mu.Unlock()
		p.sub.Off(reg)
		return
	}
	p.regs = append(p.regs, reg)
	p.mu.Unlock()
}

func (p *PendingWait) release() {
	p.teardown.Do(func() {
		p.mu.Lock()
		regs := p.regs
		p.regs = nil
		p.torndown = true
		p.mu.Unlock()

		for _, reg := range regs {
			if !p.sub.Off(reg) {
				p.logger.Debug("listener already removed", "event", reg.Kind.String())
			}
		}
	})
}
