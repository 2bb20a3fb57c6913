package idem

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:"), mr
}

func TestCachePutGetExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	_, ok, err := c.Get(ctx, EventKey("k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, EventKey("k1"), []byte(`{"ok":true}`), time.Minute))
	val, ok, err := c.Get(ctx, EventKey("k1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"ok":true}`, string(val))
	assert.True(t, mr.Exists("test:evt:k1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, EventKey("k1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachePutIfAbsent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	key := IntentKey("sess-1", "deposit")

	stored, err := c.PutIfAbsent(ctx, key, []byte("TX-A"), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.PutIfAbsent(ctx, key, []byte("TX-B"), time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)

	ref, ok, err := c.GetString(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "TX-A", ref)
}

func TestCachePutJSON(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.PutJSON(ctx, PaymentRecordKey("TX-1"), map[string]any{"b": 2, "a": 1}, time.Hour))
	stored, ok, err := c.Get(ctx, PaymentRecordKey("TX-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1,"b":2}`, string(stored))

	err = c.PutJSON(ctx, PaymentRecordKey("TX-2"), map[string]any{"bad": make(chan int)}, time.Hour)
	require.Error(t, err)
	_, ok, err = c.Get(ctx, PaymentRecordKey("TX-2"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "intent:s1:final", IntentKey("s1", "final"))
	assert.Equal(t, "payrec:TX-9", PaymentRecordKey("TX-9"))
	assert.Equal(t, "evt:abc", EventKey("abc"))
}
