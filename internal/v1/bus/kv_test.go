package bus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDel(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	err := svc.Set(ctx, "k1", "v1", 0)
	require.NoError(t, err)

	v, err := svc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	missing, err := svc.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, "", missing)

	err = svc.Del(ctx, "k1")
	require.NoError(t, err)

	v, err = svc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestMGet(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "a", "1", 0))
	require.NoError(t, svc.Set(ctx, "b", "2", 0))

	vals, err := svc.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", ""}, vals)
}

func TestHashOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "vote:session-1:tally"

	require.NoError(t, svc.HSet(ctx, key, "alice", "0"))
	require.NoError(t, svc.HSet(ctx, key, "bob", "0"))

	n, err := svc.HIncrBy(ctx, key, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := svc.HGet(ctx, key, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := svc.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "1", "bob": "0"}, all)

	require.NoError(t, svc.HDel(ctx, key, "bob"))
	all, err = svc.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "1"}, all)
}

func TestExpire(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "ttl-key", "v", 0))
	require.NoError(t, svc.Expire(ctx, "ttl-key", 60*time.Second))

	mr.FastForward(61 * time.Second)

	v, err := svc.Get(ctx, "ttl-key")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestTxPipelined(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "vote:session-2:tally"

	err := svc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "alice", 1)
		pipe.SAdd(ctx, "vote:session-2:voters", "user-1")
		return nil
	})
	require.NoError(t, err)

	v, err := svc.HGet(ctx, key, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	members, err := svc.SetMembers(ctx, "vote:session-2:voters")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, members)
}

func TestKVGracefulDegradationSingleInstance(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.Set(ctx, "k", "v", 0))
	v, err := svc.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, "", v)
	assert.NoError(t, svc.Del(ctx, "k"))
	assert.NoError(t, svc.HSet(ctx, "h", "f", "v"))
	n, err := svc.HIncrBy(ctx, "h", "f", 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, svc.Expire(ctx, "k", time.Second))
}
