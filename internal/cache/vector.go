package cache

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"
)

// ErrCorruptVector 缓存中的向量无法解码
var ErrCorruptVector = errors.New("cache: corrupt vector entry")

// VectorCache 以模型名和文本哈希为键缓存嵌入向量
type VectorCache struct {
	cache Cache
	ttl   time.Duration
}

// NewVectorCache 创建向量缓存，ttl为0时使用底层缓存的默认值
func NewVectorCache(c Cache, ttl time.Duration) *VectorCache {
	return &VectorCache{cache: c, ttl: ttl}
}

// VectorKey 返回文本在指定模型下的缓存键
func VectorKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return GenerateCacheKey("emb", model, hex.EncodeToString(sum[:]))
}

// Get 读取向量，不存在时found为false
func (v *VectorCache) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	raw, found, err := v.cache.Get(ctx, VectorKey(model, text))
	if err != nil || !found {
		return nil, false, err
	}
	vec, err := decodeVector(raw)
	if err != nil {
		// 损坏的条目直接删除，按未命中处理
		_ = v.cache.Delete(ctx, VectorKey(model, text))
		return nil, false, nil
	}
	return vec, true, nil
}

// Set 写入向量
func (v *VectorCache) Set(ctx context.Context, model, text string, vec []float32) error {
	return v.cache.Set(ctx, VectorKey(model, text), encodeVector(vec), v.ttl)
}

// encodeVector 小端float32序列的base64编码
func encodeVector(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, ErrCorruptVector
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
