package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBroker(t *testing.T, nodeID string) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b, err := NewRedisBroker(ctx, &RedisBrokerConfig{
		Addrs: []string{mr.Addr()},
	}, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b, _ := newTestRedisBroker(t, "node-a")

	ctx := context.Background()
	ch, err := b.Subscribe(ctx, TopicUsageInvalidate)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, TopicUsageInvalidate, []byte(`{"user_id":"u1"}`)))

	select {
	case msg := <-ch:
		assert.Equal(t, TopicUsageInvalidate, msg.Topic)
		assert.Equal(t, "node-a", msg.NodeID)
		assert.JSONEq(t, `{"user_id":"u1"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisBroker_CrossNodeDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &RedisBrokerConfig{Addrs: []string{mr.Addr()}}

	nodeA, err := NewRedisBroker(ctx, cfg, "node-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = nodeA.Close() })

	nodeB, err := NewRedisBroker(ctx, cfg, "node-b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = nodeB.Close() })

	ch, err := nodeB.Subscribe(ctx, TopicRuleChanged)
	require.NoError(t, err)

	require.NoError(t, nodeA.Publish(ctx, TopicRuleChanged, []byte("x")))

	select {
	case msg := <-ch:
		assert.Equal(t, "node-a", msg.NodeID)
		assert.Equal(t, []byte("x"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-node message")
	}
}

func TestRedisBroker_DuplicateSubscribeRejected(t *testing.T) {
	b, _ := newTestRedisBroker(t, "node-a")

	ctx := context.Background()
	_, err := b.Subscribe(ctx, TopicRuleDeleted)
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, TopicRuleDeleted)
	assert.Error(t, err)
}

func TestRedisBroker_Unsubscribe(t *testing.T) {
	b, _ := newTestRedisBroker(t, "node-a")

	ctx := context.Background()
	ch, err := b.Subscribe(ctx, TopicUsageInvalidate)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(ctx, TopicUsageInvalidate))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	assert.Error(t, b.Unsubscribe(ctx, TopicUsageInvalidate))
}

func TestRedisBroker_Ping(t *testing.T) {
	b, mr := newTestRedisBroker(t, "node-a")

	require.NoError(t, b.Ping(context.Background()))

	mr.Close()
	assert.Error(t, b.Ping(context.Background()))
}

func TestRedisBroker_ClosedOperationsFail(t *testing.T) {
	b, _ := newTestRedisBroker(t, "node-a")
	require.NoError(t, b.Close())

	ctx := context.Background()
	assert.Error(t, b.Publish(ctx, TopicUsageInvalidate, []byte("x")))
	_, err := b.Subscribe(ctx, TopicUsageInvalidate)
	assert.Error(t, err)
	assert.Error(t, b.Ping(ctx))
	assert.NoError(t, b.Close())
}
