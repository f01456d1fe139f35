package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSubscription(t *testing.T, opts ...broker.SubscriptionOption) (*memory.Broker, *broker.Subscription) {
	t.Helper()
	mb := memory.New(memory.WithTopics("req"))
	require.NoError(t, mb.CreateSubscription(context.Background(), "req", "resp-pod1"))

	sub := broker.NewSubscription(mb, "req", "resp-pod1", opts...)
	require.NoError(t, sub.Open(context.Background()))
	t.Cleanup(func() { sub.Close() })
	return mb, sub
}

func TestSubscriptionListeners(t *testing.T) {
	t.Run("Off removes exactly the registered pair", func(t *testing.T) {
		_, sub := openSubscription(t)

		errReg := sub.OnError(func(error) {})
		debugReg := sub.OnDebug(func(error) {})

		assert.False(t, sub.Off(broker.Registration{Kind: broker.EventDebug}))

		assert.True(t, sub.Off(errReg))
		assert.False(t, sub.Off(errReg), "second removal is a no-op")
		assert.Equal(t, 0, sub.ListenerCount(broker.EventError))
		assert.Equal(t, 1, sub.ListenerCount(broker.EventDebug))

		assert.True(t, sub.Off(debugReg))
		assert.Equal(t, 0, sub.ListenerCount(broker.EventDebug))
	})

	t.Run("Registration kind matches event", func(t *testing.T) {
		_, sub := openSubscription(t)

		assert.Equal(t, broker.EventMessage, sub.OnMessage(func(*contracts.Message) bool { return false }).Kind)
		assert.Equal(t, broker.EventClose, sub.OnClose(func() {}).Kind)
		assert.Equal(t, "close", broker.EventClose.String())
	})
}

func TestSubscriptionDispatch(t *testing.T) {
	t.Run("Message goes to the first claiming listener only", func(t *testing.T) {
		mb, sub := openSubscription(t)

		var mu sync.Mutex
		var got []string
		claimed := make(chan struct{}, 2)
		sub.OnMessage(func(m *contracts.Message) bool {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "first")
			claimed <- struct{}{}
			return true
		})
		sub.OnMessage(func(m *contracts.Message) bool {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "second")
			claimed <- struct{}{}
			return true
		})

		_, err := mb.Publish(context.Background(), "req", []byte(`{}`), nil)
		require.NoError(t, err)

		select {
		case <-claimed:
		case <-time.After(time.Second):
			t.Fatal("message was not dispatched")
		}
		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"first"}, got)
	})

	t.Run("Declined message falls through to the next listener", func(t *testing.T) {
		mb, sub := openSubscription(t)

		received := make(chan string, 1)
		sub.OnMessage(func(*contracts.Message) bool { return false })
		sub.OnMessage(func(m *contracts.Message) bool {
			received <- string(m.Data)
			return true
		})

		_, err := mb.Publish(context.Background(), "req", []byte(`"x"`), nil)
		require.NoError(t, err)

		select {
		case data := <-received:
			assert.Equal(t, `"x"`, data)
		case <-time.After(time.Second):
			t.Fatal("message was not dispatched")
		}
	})

	t.Run("Unclaimed message waits in backlog for the next listener", func(t *testing.T) {
		mb, sub := openSubscription(t)

		_, err := mb.Publish(context.Background(), "req", []byte(`{"early":true}`), nil)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return sub.BacklogSize() == 1 }, time.Second, 5*time.Millisecond)

		received := make(chan *contracts.Message, 1)
		sub.OnMessage(func(m *contracts.Message) bool {
			received <- m
			return true
		})

		select {
		case m := <-received:
			assert.JSONEq(t, `{"early":true}`, string(m.Data))
		case <-time.After(time.Second):
			t.Fatal("backlog was not drained")
		}
		assert.Equal(t, 0, sub.BacklogSize())
	})

	t.Run("Backlog overflow releases messages for redelivery", func(t *testing.T) {
		mb, sub := openSubscription(t, broker.WithBacklogLimit(1))

		for i := 0; i < 3; i++ {
			_, err := mb.Publish(context.Background(), "req", []byte(`{}`), nil)
			require.NoError(t, err)
		}

		assert.Eventually(t, func() bool { return sub.BacklogSize() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 3, mb.Unacked("resp-pod1"))
	})

	t.Run("Error and debug events reach every listener", func(t *testing.T) {
		mb, sub := openSubscription(t)

		errs := make(chan error, 2)
		debugs := make(chan error, 1)
		sub.OnError(func(err error) { errs <- err })
		sub.OnError(func(err error) { errs <- err })
		sub.OnDebug(func(err error) { debugs <- err })

		mb.EmitDebug("resp-pod1", errors.New("lease extended"))
		mb.EmitError("resp-pod1", errors.New("permission denied"))

		assert.EqualError(t, <-debugs, "lease extended")
		assert.EqualError(t, <-errs, "permission denied")
		assert.EqualError(t, <-errs, "permission denied")
	})

	t.Run("Close event marks the handle closed", func(t *testing.T) {
		mb, sub := openSubscription(t)

		closed := make(chan struct{})
		sub.OnClose(func() { close(closed) })

		mb.EndStream("resp-pod1")

		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("close listener not called")
		}
		assert.False(t, sub.IsOpen())
	})

	t.Run("Reopen after close streams again", func(t *testing.T) {
		mb, sub := openSubscription(t)

		closed := make(chan struct{}, 1)
		sub.OnClose(func() { closed <- struct{}{} })
		mb.EndStream("resp-pod1")
		<-closed

		require.NoError(t, sub.Open(context.Background()))
		assert.True(t, sub.IsOpen())
		assert.True(t, mb.Streaming("resp-pod1"))
	})
}

func TestSubscriptionOpen(t *testing.T) {
	t.Run("Open is a no-op when already open", func(t *testing.T) {
		mb, sub := openSubscription(t)

		require.NoError(t, sub.Open(context.Background()))
		assert.Equal(t, 1, mb.Calls(memory.OpReceive))
	})

	t.Run("Failed receive leaves the handle closed", func(t *testing.T) {
		mb := memory.New(memory.WithTopics("req"))
		require.NoError(t, mb.CreateSubscription(context.Background(), "req", "resp-pod1"))
		mb.Fail(memory.OpReceive, errors.New("unavailable"))

		sub := broker.NewSubscription(mb, "req", "resp-pod1")
		assert.EqualError(t, sub.Open(context.Background()), "unavailable")
		assert.False(t, sub.IsOpen())
	})

	t.Run("Stream survives cancellation of the opening context", func(t *testing.T) {
		mb := memory.New(memory.WithTopics("req"))
		require.NoError(t, mb.CreateSubscription(context.Background(), "req", "resp-pod1"))

		ctx, cancel := context.WithCancel(context.Background())
		sub := broker.NewSubscription(mb, "req", "resp-pod1")
		require.NoError(t, sub.Open(ctx))
		cancel()

		time.Sleep(20 * time.Millisecond)
		assert.True(t, sub.IsOpen())
		assert.True(t, mb.Streaming("resp-pod1"))
		sub.Close()
		assert.Eventually(t, func() bool { return !sub.IsOpen() }, time.Second, 5*time.Millisecond)
	})
}
