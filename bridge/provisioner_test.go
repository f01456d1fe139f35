package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockBroker is a testify mock of broker.Broker
type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) TopicExists(ctx context.Context, topic string) (bool, error) {
	args := m.Called(ctx, topic)
	return args.Bool(0), args.Error(1)
}

func (m *mockBroker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *mockBroker) CreateSubscription(ctx context.Context, topic, name string) error {
	args := m.Called(ctx, topic, name)
	return args.Error(0)
}

func (m *mockBroker) DeleteSubscription(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockBroker) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	args := m.Called(ctx, topic, data, attributes)
	return args.String(0), args.Error(1)
}

func (m *mockBroker) Receive(ctx context.Context, name string, sink broker.Sink) error {
	args := m.Called(ctx, name, sink)
	return args.Error(0)
}

func (m *mockBroker) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

type provisionRecorder struct {
	results []string
}

func (r *provisionRecorder) ObserveProvision(result string) {
	r.results = append(r.results, result)
}

func TestProvisionerEnsure(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates an absent subscription bound to the topic and opens it", func(t *testing.T) {
		mb := memory.New(memory.WithTopics(testTopic))
		obs := &provisionRecorder{}
		p := bridge.NewProvisioner(mb, bridge.WithProvisionObserver(obs))

		sub, err := p.Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		defer sub.Close()

		assert.True(t, sub.IsOpen())
		assert.Equal(t, testTopic, sub.Topic())
		assert.Equal(t, testSub, sub.Name())
		assert.True(t, mb.Streaming(testSub))

		exists, err := mb.SubscriptionExists(ctx, testSub)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, []string{bridge.ProvisionCreated}, obs.results)
	})

	t.Run("Repeated calls reuse the handle", func(t *testing.T) {
		mb := memory.New(memory.WithTopics(testTopic))
		obs := &provisionRecorder{}
		p := bridge.NewProvisioner(mb, bridge.WithProvisionObserver(obs))

		first, err := p.Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		defer first.Close()
		second, err := p.Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, mb.Calls(memory.OpCreate))
		assert.Equal(t, 1, mb.Calls(memory.OpReceive))
		assert.Equal(t, []string{bridge.ProvisionCreated, bridge.ProvisionReused}, obs.results)

		cached, ok := p.Cached(testSub)
		assert.True(t, ok)
		assert.Same(t, first, cached)
	})

	t.Run("Existing subscription is opened without create", func(t *testing.T) {
		mb := memory.New(memory.WithTopics(testTopic))
		require.NoError(t, mb.CreateSubscription(ctx, testTopic, testSub))
		obs := &provisionRecorder{}

		sub, err := bridge.NewProvisioner(mb, bridge.WithProvisionObserver(obs)).Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		defer sub.Close()

		assert.Equal(t, 1, mb.Calls(memory.OpCreate))
		assert.Equal(t, []string{bridge.ProvisionOpened}, obs.results)
	})

	t.Run("Closed handle is reopened", func(t *testing.T) {
		mb := memory.New(memory.WithTopics(testTopic))
		p := bridge.NewProvisioner(mb)

		sub, err := p.Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		closed := make(chan struct{})
		sub.OnClose(func() { close(closed) })
		mb.EndStream(testSub)
		<-closed

		again, err := p.Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		defer again.Close()
		assert.Same(t, sub, again)
		assert.True(t, again.IsOpen())
		assert.Equal(t, 2, mb.Calls(memory.OpReceive))
	})

	t.Run("Create race with another caller counts as success", func(t *testing.T) {
		mb := &mockBroker{}
		mb.On("SubscriptionExists", mock.Anything, testSub).Return(false, nil)
		mb.On("CreateSubscription", mock.Anything, testTopic, testSub).Return(broker.ErrSubscriptionExists)
		mb.On("Receive", mock.Anything, testSub, mock.Anything).Return(nil)

		sub, err := bridge.NewProvisioner(mb).Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		assert.True(t, sub.IsOpen())
		mb.AssertExpectations(t)
	})

	t.Run("Existence check failure", func(t *testing.T) {
		mb := &mockBroker{}
		mb.On("SubscriptionExists", mock.Anything, testSub).Return(false, errors.New("unreachable"))
		obs := &provisionRecorder{}

		_, err := bridge.NewProvisioner(mb, bridge.WithProvisionObserver(obs)).Ensure(ctx, testTopic, testSub)

		var perr *contracts.ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "exists", perr.Op)
		assert.Equal(t, testSub, perr.Subscription)
		assert.EqualError(t, perr.Err, "unreachable")
		assert.Equal(t, []string{bridge.ProvisionFailed}, obs.results)
		mb.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Create failure on a missing topic", func(t *testing.T) {
		mb := memory.New()

		_, err := bridge.NewProvisioner(mb).Ensure(ctx, testTopic, testSub)

		var perr *contracts.ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "create", perr.Op)
		assert.Equal(t, testTopic, perr.Topic)
		assert.ErrorIs(t, err, broker.ErrTopicNotFound)
	})

	t.Run("Open failure", func(t *testing.T) {
		mb := memory.New(memory.WithTopics(testTopic))
		mb.Fail(memory.OpReceive, errors.New("stream refused"))
		p := bridge.NewProvisioner(mb)

		_, err := p.Ensure(ctx, testTopic, testSub)

		var perr *contracts.ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "open", perr.Op)

		sub, ok := p.Cached(testSub)
		require.True(t, ok)
		assert.False(t, sub.IsOpen())

		mb.Fail(memory.OpReceive, nil)
		sub, err = p.Ensure(ctx, testTopic, testSub)
		require.NoError(t, err)
		defer sub.Close()
		assert.True(t, sub.IsOpen())
	})
}

func TestProvisionerClose(t *testing.T) {
	mb := memory.New(memory.WithTopics(testTopic))
	p := bridge.NewProvisioner(mb)

	sub, err := p.Ensure(context.Background(), testTopic, testSub)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Eventually(t, func() bool { return !sub.IsOpen() }, time.Second, 5*time.Millisecond)
}
