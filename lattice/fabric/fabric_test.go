package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
)

func setupTestFabric(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := config.DefaultFabricConfig()
	cfg.Addr = mr.Addr()

	client := New(cfg, "test-lattice", zap.NewNop())
	return mr, client
}

func TestClient_PublishSubscribe(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgs, err := client.Subscribe(ctx, "rpc.inbound")
	require.NoError(t, err)

	// give the subscription time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, client.Publish(ctx, "rpc.inbound", []byte("hello"), map[string]string{"k": "v"}))

	select {
	case m := <-msgs:
		assert.Equal(t, []byte("hello"), m.Payload)
		assert.Equal(t, "v", m.Headers["k"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClient_PublishScopesSubjectByLattice(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()
	defer client.Close()

	assert.Equal(t, "test-lattice.foo", client.subject("foo"))
}

func TestClient_PublishFailsFastAfterClose(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()

	require.NoError(t, client.Close())

	err := client.Publish(context.Background(), "rpc.inbound", []byte("x"), nil)
	assert.Error(t, err)
}

func TestClient_RequestReceivesReply(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	requests, err := client.Subscribe(ctx, "rpc.echo")
	require.NoError(t, err)

	go func() {
		req := <-requests
		replyTo := req.Headers["reply-to"]
		_ = client.Reply(ctx, replyTo, req.Payload, nil)
	}()

	time.Sleep(50 * time.Millisecond)

	reply, err := client.Request(ctx, "rpc.echo", []byte("ping"), nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), reply.Payload)
}

func TestClient_RequestTimesOutWithNoReplier(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()
	defer client.Close()

	_, err := client.Request(context.Background(), "rpc.nobody", []byte("ping"), nil, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestClient_RequestMultiCollectsWithinWindow(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	auctions, err := client.Subscribe(ctx, "rpc.auction")
	require.NoError(t, err)

	go func() {
		req := <-auctions
		replyTo := req.Headers["reply-to"]
		_ = client.Reply(ctx, replyTo, []byte("bid-1"), nil)
	}()

	time.Sleep(50 * time.Millisecond)

	replies, err := client.RequestMulti(ctx, "rpc.auction", []byte("go"), nil, time.Second, 150*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, []byte("bid-1"), replies[0].Payload)
}

func TestClient_QueueSubscribeDeliversOnce(t *testing.T) {
	mr, client := setupTestFabric(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := client.QueueSubscribe(ctx, "rpc.work", "workers")
	require.NoError(t, err)
	b, err := client.QueueSubscribe(ctx, "rpc.work", "workers")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, client.Publish(ctx, "rpc.work", []byte("task"), nil))

	received := 0
	timeout := time.After(500 * time.Millisecond)
	for received == 0 {
		select {
		case <-a:
			received++
		case <-b:
			received++
		case <-timeout:
			t.Fatal("no member received the message")
		}
	}
	select {
	case <-a:
		received++
	case <-b:
		received++
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, received)
}
