package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sub = "response-pod1"

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (r *exitRecorder) exit(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

type cleanupRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *cleanupRecorder) ObserveCleanup(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func brokerWithSubscription(t *testing.T, opts ...memory.Option) *memory.Broker {
	t.Helper()
	mb := memory.New(append([]memory.Option{memory.WithTopics("bff-response")}, opts...)...)
	require.NoError(t, mb.CreateSubscription(context.Background(), "bff-response", sub))
	return mb
}

func subscriptionExists(t *testing.T, mb *memory.Broker) bool {
	t.Helper()
	exists, err := mb.SubscriptionExists(context.Background(), sub)
	require.NoError(t, err)
	return exists
}

func TestCoordinatorCleanup(t *testing.T) {
	t.Run("Deletes the owned subscription", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		obs := &cleanupRecorder{}
		c := NewCoordinator(mb, sub, WithObserver(obs))

		require.NoError(t, c.Cleanup(context.Background()))
		assert.False(t, subscriptionExists(t, mb))
		assert.Equal(t, []string{ResultDeleted}, obs.results)
	})

	t.Run("Absent subscription is not deleted", func(t *testing.T) {
		mb := memory.New()
		obs := &cleanupRecorder{}
		c := NewCoordinator(mb, sub, WithObserver(obs))

		require.NoError(t, c.Cleanup(context.Background()))
		assert.Equal(t, 0, mb.Calls(memory.OpDelete))
		assert.Equal(t, []string{ResultAbsent}, obs.results)
	})

	t.Run("Runs at most once", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		c := NewCoordinator(mb, sub)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Cleanup(context.Background()))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, mb.Calls(memory.OpSubscriptionExists))
		assert.Equal(t, 1, mb.Calls(memory.OpDelete))
	})

	t.Run("Fast deletion returns before the budget", func(t *testing.T) {
		mb := brokerWithSubscription(t, memory.WithDeleteDelay(10*time.Millisecond))
		c := NewCoordinator(mb, sub, WithBudget(2*time.Second))

		start := time.Now()
		require.NoError(t, c.Cleanup(context.Background()))
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, subscriptionExists(t, mb))
	})

	t.Run("Slow deletion is abandoned after the budget", func(t *testing.T) {
		mb := brokerWithSubscription(t, memory.WithDeleteDelay(time.Second))
		obs := &cleanupRecorder{}
		c := NewCoordinator(mb, sub, WithBudget(50*time.Millisecond), WithObserver(obs))

		start := time.Now()
		err := c.Cleanup(context.Background())
		elapsed := time.Since(start)

		var terr *contracts.ShutdownTimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, sub, terr.Subscription)
		assert.Equal(t, 50*time.Millisecond, terr.Budget)
		assert.True(t, contracts.IsShutdownTimeout(err))
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
		assert.Equal(t, []string{ResultTimeout}, obs.results)
	})

	t.Run("Broker failure is reported", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		mb.Fail(memory.OpDelete, errors.New("access refused"))
		obs := &cleanupRecorder{}
		c := NewCoordinator(mb, sub, WithObserver(obs))

		err := c.Cleanup(context.Background())
		assert.ErrorContains(t, err, "access refused")
		assert.Equal(t, []string{ResultFailed}, obs.results)
	})

	t.Run("Hooks run before deletion", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		var existedDuringHook bool
		c := NewCoordinator(mb, sub,
			WithHook(func(ctx context.Context) error {
				existedDuringHook = subscriptionExists(t, mb)
				return errors.New("drain incomplete")
			}))

		require.NoError(t, c.Cleanup(context.Background()))
		assert.True(t, existedDuringHook)
		assert.False(t, subscriptionExists(t, mb))
	})
}

func TestCoordinatorTriggers(t *testing.T) {
	t.Run("Graceful signal cleans up and exits with the signal code", func(t *testing.T) {
		cases := []struct {
			sig  os.Signal
			code int
		}{
			{os.Interrupt, 0},
			{syscall.SIGTERM, 0},
			{syscall.SIGUSR1, 1},
			{syscall.SIGUSR2, 1},
		}

		for _, tc := range cases {
			mb := brokerWithSubscription(t)
			rec := &exitRecorder{}
			c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

			c.Graceful(tc.sig)

			assert.Equal(t, []int{tc.code}, rec.codes, tc.sig.String())
			assert.False(t, subscriptionExists(t, mb))
		}
	})

	t.Run("Graceful exits after the budget when deletion hangs", func(t *testing.T) {
		mb := brokerWithSubscription(t, memory.WithDeleteDelay(time.Second))
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithBudget(30*time.Millisecond), WithExitFunc(rec.exit))

		start := time.Now()
		c.Graceful(syscall.SIGTERM)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, []int{0}, rec.codes)
	})

	t.Run("Fatal cleans up and exits 1", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

		c.Fatal(errors.New("boom"))

		assert.Equal(t, []int{1}, rec.codes)
		assert.False(t, subscriptionExists(t, mb))
	})

	t.Run("Exit cleans up without exiting", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

		c.Exit(0)

		assert.Empty(t, rec.codes)
		assert.False(t, subscriptionExists(t, mb))
	})

	t.Run("Recover turns a panic into Fatal", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

		func() {
			defer c.Recover()
			panic("unexpected")
		}()

		assert.Equal(t, []int{1}, rec.codes)
		assert.False(t, subscriptionExists(t, mb))
	})

	t.Run("Later triggers reuse the first cleanup", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

		c.Exit(0)
		c.Graceful(syscall.SIGUSR2)

		assert.Equal(t, []int{1}, rec.codes)
		assert.Equal(t, 1, mb.Calls(memory.OpDelete))
	})
}

func TestCoordinatorWatch(t *testing.T) {
	t.Run("Signal triggers graceful shutdown", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

		signals := make(chan os.Signal, 1)
		signals <- syscall.SIGUSR1
		c.watch(context.Background(), signals)

		assert.Equal(t, []int{1}, rec.codes)
		assert.False(t, subscriptionExists(t, mb))
	})

	t.Run("Context end stops watching without cleanup", func(t *testing.T) {
		mb := brokerWithSubscription(t)
		rec := &exitRecorder{}
		c := NewCoordinator(mb, sub, WithExitFunc(rec.exit))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c.Watch(ctx)

		assert.Empty(t, rec.codes)
		assert.True(t, subscriptionExists(t, mb))
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(os.Interrupt))
	assert.Equal(t, 0, ExitCode(syscall.SIGTERM))
	assert.Equal(t, 1, ExitCode(syscall.SIGUSR1))
	assert.Equal(t, 1, ExitCode(syscall.SIGHUP))
}
