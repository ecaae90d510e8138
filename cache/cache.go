// 包 cache 提供可选的结果缓存：同一任务 + 提示词 + 归一化选项在 TTL
// 内的重复请求直接重放上次结果，不再消耗上游配额。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/image"
)

const keyPrefix = "imageflow:result:"

// ResultCache Redis 结果缓存。client 为 nil 时所有操作都是 no-op。
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New 创建结果缓存
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{client: client, ttl: ttl, logger: logger}
}

// cachedResult 落入 Redis 的序列化形式（图像字节单独按索引存储会放大
// 往返次数，直接整体 JSON 即可：单结果通常只有几张图）
type cachedResult struct {
	Images    [][]byte          `json:"images"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Key 计算请求的缓存键：任务、提示词与全部归一化相关选项的摘要
func Key(opts *image.ImageTaskOptions) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d", opts.Task, opts.Prompt, opts.AspectRatio, opts.Size, opts.NegativePrompt, opts.Count)
	if opts.Seed != nil {
		fmt.Fprintf(h, "|seed=%d", *opts.Seed)
	}
	for _, ref := range opts.ReferenceImages {
		refSum := sha256.Sum256(ref)
		h.Write(refSum[:])
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get 查缓存。未命中或缓存禁用返回 (nil, false)。
func (c *ResultCache) Get(ctx context.Context, key string) (*image.ImageResult, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var cached cachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn("discarding unreadable cache entry", zap.Error(err))
		return nil, false
	}
	return &image.ImageResult{
		Images:    cached.Images,
		Provider:  cached.Provider,
		Model:     cached.Model,
		RequestID: cached.RequestID,
		Metadata:  cached.Metadata,
	}, true
}

// Set 写入缓存。失败只记日志：缓存永远不阻断生成路径。
func (c *ResultCache) Set(ctx context.Context, key string, result *image.ImageResult) {
	if c.client == nil || result == nil {
		return
	}
	data, err := json.Marshal(cachedResult{
		Images:    result.Images,
		Provider:  result.Provider,
		Model:     result.Model,
		RequestID: result.RequestID,
		Metadata:  result.Metadata,
	})
	if err != nil {
		c.logger.Warn("cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}
