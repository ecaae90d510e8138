package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/image"
)

func testCache(t *testing.T) (*ResultCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Hour, zap.NewNop()), mr
}

func TestGetMissThenHit(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	opts := &image.ImageTaskOptions{Task: "cover", Prompt: "a cat"}
	key := Key(opts)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	result := &image.ImageResult{
		Images:   [][]byte{[]byte("png")},
		Provider: "gemini",
		Model:    "m1",
	}
	c.Set(ctx, key, result)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, result.Images, got.Images)
	assert.Equal(t, "gemini", got.Provider)
	assert.Equal(t, "m1", got.Model)
}

func TestKeyDependsOnNormalizedOptions(t *testing.T) {
	seed := int64(7)
	base := &image.ImageTaskOptions{Task: "cover", Prompt: "a cat"}

	variants := []*image.ImageTaskOptions{
		{Task: "cover", Prompt: "a dog"},
		{Task: "other", Prompt: "a cat"},
		{Task: "cover", Prompt: "a cat", AspectRatio: "16:9"},
		{Task: "cover", Prompt: "a cat", Seed: &seed},
		{Task: "cover", Prompt: "a cat", ReferenceImages: [][]byte{[]byte("ref")}},
	}
	for _, v := range variants {
		assert.NotEqual(t, Key(base), Key(v))
	}

	// 相同输入 → 相同键
	assert.Equal(t, Key(base), Key(&image.ImageTaskOptions{Task: "cover", Prompt: "a cat"}))
}

func TestEntriesExpire(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	key := Key(&image.ImageTaskOptions{Task: "cover", Prompt: "x"})
	c.Set(ctx, key, &image.ImageResult{Images: [][]byte{{1}}})

	mr.FastForward(2 * time.Hour)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

// 缓存禁用（nil client）：所有操作静默 no-op
func TestNilClientDisabled(t *testing.T) {
	c := New(nil, time.Hour, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "k", &image.ImageResult{})
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}
