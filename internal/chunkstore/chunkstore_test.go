package chunkstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, inlineLimit int64) (*miniredis.Miniredis, *Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(rdb, inlineLimit)
}

func TestStore_WrapUnwrap_Inline(t *testing.T) {
	mr, store := setupTestStore(t, 1024)
	defer mr.Close()

	ctx := context.Background()
	payload := []byte("small payload")
	headers := map[string]string{"trace-id": "abc"}

	raw, err := store.Wrap(ctx, payload, headers)
	require.NoError(t, err)

	msg, deliveryID, err := store.Unwrap(ctx, raw)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, msg.Payload))
	assert.Equal(t, "abc", msg.Headers["trace-id"])
	assert.NotEmpty(t, deliveryID)
}

func TestStore_WrapUnwrap_Chunked(t *testing.T) {
	mr, store := setupTestStore(t, 8)
	defer mr.Close()

	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 64)

	raw, err := store.Wrap(ctx, payload, nil)
	require.NoError(t, err)

	msg, _, err := store.Unwrap(ctx, raw)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, msg.Payload))
}

func TestStore_InlineLimitDisabled(t *testing.T) {
	mr, store := setupTestStore(t, 0)
	defer mr.Close()

	ctx := context.Background()
	payload := bytes.Repeat([]byte("y"), 4096)

	raw, err := store.Wrap(ctx, payload, nil)
	require.NoError(t, err)

	msg, _, err := store.Unwrap(ctx, raw)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, msg.Payload))
}

func TestStore_UnwrapMalformedEnvelope(t *testing.T) {
	mr, store := setupTestStore(t, 1024)
	defer mr.Close()

	_, _, err := store.Unwrap(context.Background(), []byte("not json"))
	assert.Error(t, err)
}

func TestStore_UnwrapMissingChunk(t *testing.T) {
	mr, store := setupTestStore(t, 4)
	defer mr.Close()

	ctx := context.Background()
	raw, err := store.Wrap(ctx, []byte("longer than limit"), nil)
	require.NoError(t, err)

	mr.FlushAll()

	_, _, err = store.Unwrap(ctx, raw)
	assert.Error(t, err)
}

func TestStore_EachWrapGetsDistinctDeliveryID(t *testing.T) {
	mr, store := setupTestStore(t, 1024)
	defer mr.Close()

	ctx := context.Background()
	raw1, err := store.Wrap(ctx, []byte("a"), nil)
	require.NoError(t, err)
	raw2, err := store.Wrap(ctx, []byte("a"), nil)
	require.NoError(t, err)

	_, id1, err := store.Unwrap(ctx, raw1)
	require.NoError(t, err)
	_, id2, err := store.Unwrap(ctx, raw2)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}
