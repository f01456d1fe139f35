package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelSource opens AMQP channels
type ChannelSource interface {
	Channel() (*amqp.Channel, error)
}

// ChannelPool keeps a bounded set of idle channels for short operations.
// A channel closed by a failed operation is dropped on Put.
type ChannelPool struct {
	source   ChannelSource
	channels chan *PooledChannel
	maxSize  int
	acquire  time.Duration

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id string
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithAcquireTimeout bounds how long Get waits for a busy pool
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquire = timeout
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(source ChannelSource, options ...ChannelPoolOption) (*ChannelPool, error) {
	if source == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		source:  source,
		maxSize: 4,
		acquire: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)

	return pool, nil
}

// Get returns an idle channel or opens a new one while under the size limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case ch := <-cp.channels:
		return cp.reuse(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.activeCount++
		cp.mu.Unlock()
		return cp.open()
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.acquire)
	defer timer.Stop()

	select {
	case ch := <-cp.channels:
		return cp.reuse(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if cp.isClosed() || ch.Channel.IsClosed() {
		cp.discard(ch)
		return
	}

	select {
	case cp.channels <- ch:
	default:
		cp.discard(ch)
	}
}

// Execute runs fn on a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	return fn(ch.Channel)
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes every idle channel; channels in use are closed when returned
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			cp.discard(ch)
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) reuse(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if !ch.Channel.IsClosed() {
		return ch, nil
	}
	cp.discard(ch)
	return cp.Get(ctx)
}

// open creates a channel for a slot already counted in activeCount
func (cp *ChannelPool) open() (*PooledChannel, error) {
	ch, err := cp.source.Channel()
	if err != nil {
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{
		Channel: ch,
		id:      uuid.NewString(),
	}, nil
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	if !ch.Channel.IsClosed() {
		_ = ch.Channel.Close()
	}
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}
