package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryCache 测试内存缓存的基本功能
func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMemoryCache(Config{
		Type:            "memory",
		DefaultTTL:      time.Second * 2,
		CleanupInterval: time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "key1", "value1", 0))
	val, found, err := cache.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	val, found, err = cache.Get(ctx, "non-existent")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, val)

	// 测试过期
	require.NoError(t, cache.Set(ctx, "expire-soon", "temp-value", time.Millisecond*50))
	time.Sleep(time.Millisecond * 100)
	_, found, _ = cache.Get(ctx, "expire-soon")
	assert.False(t, found)

	require.NoError(t, cache.Delete(ctx, "key1"))
	_, found, _ = cache.Get(ctx, "key1")
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, "a", "1", 0))
	require.NoError(t, cache.Clear(ctx))
	_, found, _ = cache.Get(ctx, "a")
	assert.False(t, found)
}

// TestRedisCache 使用miniredis测试Redis缓存
func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cache, err := NewCache(Config{
		Type:       "redis",
		RedisAddr:  mr.Addr(),
		Prefix:     "test",
		DefaultTTL: time.Minute,
	})
	require.NoError(t, err)
	defer cache.(*RedisCache).Close()

	require.NoError(t, cache.Set(ctx, "key1", "value1", 0))
	assert.True(t, mr.Exists("test:key1"))
	assert.Equal(t, time.Minute, mr.TTL("test:key1"))

	val, found, err := cache.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	_, found, err = cache.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)

	// 测试过期
	require.NoError(t, cache.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)
	_, found, _ = cache.Get(ctx, "short")
	assert.False(t, found)

	require.NoError(t, cache.Delete(ctx, "key1"))
	assert.False(t, mr.Exists("test:key1"))
}

// TestRedisClearOnlyTouchesPrefix 测试Clear只删除带前缀的键
func TestRedisClearOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("other:key", "keep"))

	cache, err := NewRedisCache(Config{RedisAddr: mr.Addr(), Prefix: "qa"})
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "a", "1", 0))
	require.NoError(t, cache.Set(ctx, "b", "2", 0))
	require.NoError(t, cache.Clear(ctx))

	assert.False(t, mr.Exists("qa:a"))
	assert.False(t, mr.Exists("qa:b"))
	assert.True(t, mr.Exists("other:key"))
}

// TestRedisUnavailable 测试连接失败时返回错误
func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(Config{RedisAddr: addr})
	assert.Error(t, err)
}

// TestCacheFactory 测试缓存工厂函数
func TestCacheFactory(t *testing.T) {
	memCache, err := NewCache(DefaultConfig())
	assert.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, memCache)

	// 未知类型退回内存缓存
	unknownCache, err := NewCache(Config{Type: "unknown-type"})
	assert.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, unknownCache)
}

// TestGenerateCacheKey 测试缓存键生成
func TestGenerateCacheKey(t *testing.T) {
	assert.Equal(t, "prefix", GenerateCacheKey("prefix"))
	assert.Equal(t, "prefix:part1", GenerateCacheKey("prefix", "part1"))
	assert.Equal(t, "prefix:part1:part2:part3", GenerateCacheKey("prefix", "part1", "part2", "part3"))
	assert.Equal(t, "part1", GenerateCacheKey("", "part1"))
}

// TestVectorCache 测试向量的编码和读取
func TestVectorCache(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryCache(DefaultConfig())
	require.NoError(t, err)
	vc := NewVectorCache(mem, 0)

	_, found, err := vc.Get(ctx, "model", "hello")
	require.NoError(t, err)
	assert.False(t, found)

	vec := []float32{0.25, -1.5, 3}
	require.NoError(t, vc.Set(ctx, "model", "hello", vec))

	got, found, err := vc.Get(ctx, "model", "hello")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, vec, got)

	// 不同模型的向量互不影响
	_, found, _ = vc.Get(ctx, "other-model", "hello")
	assert.False(t, found)
}

// TestVectorCacheCorruptEntry 测试损坏条目按未命中处理
func TestVectorCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryCache(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, VectorKey("m", "x"), "not base64!", 0))

	vc := NewVectorCache(mem, 0)
	_, found, err := vc.Get(ctx, "m", "x")
	assert.NoError(t, err)
	assert.False(t, found)

	_, found, _ = mem.Get(ctx, VectorKey("m", "x"))
	assert.False(t, found)
}
