package imageflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/history"
	"github.com/BaSui01/imageflow/image"
	"github.com/BaSui01/imageflow/types"
)

// fakeAdapter 记录收到的请求并返回预设结果或错误序列
type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	result  *image.ImageResult
	errs    []error // 依次返回，耗尽后返回 result
	calls   int
	lastKey string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(_ context.Context, _ image.ModelCatalogEntry, req *image.Request) (*image.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastKey = req.APIKey
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if f.result != nil {
		return f.result, nil
	}
	return nil, types.NewError(types.ErrUpstreamError, "no fake result")
}

// captureRecorder 把审计记录留在内存里供断言
type captureRecorder struct {
	mu       sync.Mutex
	attempts []*history.Attempt
}

func (r *captureRecorder) Append(a *history.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *captureRecorder) RecentFailures(string, time.Duration) (int64, error) { return 0, nil }
func (r *captureRecorder) Close() error                                        { return nil }

func (r *captureRecorder) last(t *testing.T) *history.Attempt {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.attempts)
	return r.attempts[len(r.attempts)-1]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.Root = t.TempDir()
	cfg.Pools = map[string]config.PoolConfig{
		"image":      {Keys: []string{"gm-unit-key"}},
		"openrouter": {Keys: []string{"or-unit-key"}},
	}
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, gemini *fakeAdapter, rec history.Recorder) *Client {
	t.Helper()
	c, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithAdapter("gemini", gemini),
		WithAdapter("openrouter", &fakeAdapter{name: "openrouter"}),
		WithRecorder(rec),
		WithMetricsRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return c
}

func TestClientGenerateSuccess(t *testing.T) {
	adapter := &fakeAdapter{
		name:   "gemini",
		result: &image.ImageResult{Provider: "gemini", Model: "gemini-3-pro-image-preview", Images: [][]byte{{1, 2}}},
	}
	rec := &captureRecorder{}
	c := newTestClient(t, testConfig(t), adapter, rec)
	defer c.Close(context.Background())

	result, err := c.Generate(context.Background(), &image.ImageTaskOptions{
		Task: "illustration", Prompt: "a lighthouse",
	})
	require.NoError(t, err)
	require.Len(t, result.Images, 1)

	// 凭据来自 image 池的租约，并且随调用送达适配器
	assert.Equal(t, "gm-unit-key", adapter.lastKey)

	a := rec.last(t)
	assert.Equal(t, history.OutcomeSuccess, a.Outcome)
	assert.Equal(t, "illustration", a.Task)
	assert.Equal(t, "gemini", a.Provider)
	assert.NotEmpty(t, a.Fingerprint)
}

// 生成结束后租约必须释放：连续两次调用都能取到同一把（池中唯一的）凭据
func TestClientGenerateReleasesLease(t *testing.T) {
	adapter := &fakeAdapter{
		name:   "gemini",
		result: &image.ImageResult{Provider: "gemini", Model: "m", Images: [][]byte{{1}}},
	}
	c := newTestClient(t, testConfig(t), adapter, &captureRecorder{})
	defer c.Close(context.Background())

	for i := 0; i < 2; i++ {
		_, err := c.Generate(context.Background(), &image.ImageTaskOptions{
			Task: "illustration", Prompt: "x",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, adapter.calls)

	active, err := c.Leases().ListActiveLeases()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestClientGenerateNoCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pools = map[string]config.PoolConfig{
		"image":      {},
		"openrouter": {},
	}
	rec := &captureRecorder{}
	c := newTestClient(t, cfg, &fakeAdapter{name: "gemini"}, rec)
	defer c.Close(context.Background())

	_, err := c.Generate(context.Background(), &image.ImageTaskOptions{
		Task: "illustration", Prompt: "x",
	})
	assert.True(t, types.IsCode(err, types.ErrLeaseUnavailable))
	assert.Equal(t, history.OutcomeLease, rec.last(t).Outcome)
}

// 每日配额签名立即终止整次运行并把结局记为 quota_exhausted
func TestClientGenerateQuotaAbort(t *testing.T) {
	adapter := &fakeAdapter{
		name: "gemini",
		errs: []error{types.NewError(types.ErrQuotaExceeded, "quota exceeded for quota metric")},
	}
	cfg := testConfig(t)
	// 只留 gemini 候选，避免故障转移吞掉配额信号
	cfg.Tiers["standard"] = cfg.Tiers["standard"][:1]
	rec := &captureRecorder{}
	c := newTestClient(t, cfg, adapter, rec)
	defer c.Close(context.Background())

	_, err := c.Generate(context.Background(), &image.ImageTaskOptions{
		Task: "illustration", Prompt: "x",
	})

	var qe *types.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 1, adapter.calls)
	assert.Equal(t, history.OutcomeQuota, rec.last(t).Outcome)
}

// 可重试失败之后成功：编排器重试同一组租约内完成
func TestClientGenerateRetriesThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{
		name: "gemini",
		errs: []error{
			types.NewError(types.ErrUpstreamError, "502").WithRetryable(true),
		},
		result: &image.ImageResult{Provider: "gemini", Model: "m", Images: [][]byte{{1}}},
	}
	cfg := testConfig(t)
	cfg.Tiers["standard"] = cfg.Tiers["standard"][:1]
	c := newTestClient(t, cfg, adapter, &captureRecorder{})
	defer c.Close(context.Background())

	result, err := c.Generate(context.Background(), &image.ImageTaskOptions{
		Task: "illustration", Prompt: "x",
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, adapter.calls)
}

// 冷却等待计入 cooldown_seconds_total，并按错误归属的供应商打标
func TestClientGenerateCooldownMetricRecorded(t *testing.T) {
	adapter := &fakeAdapter{
		name: "gemini",
		errs: []error{
			types.NewError(types.ErrCooldown, "cooldown for ~1s").
				WithRetryable(true).
				WithCooldown(5 * time.Millisecond).
				WithProvider("gemini"),
		},
		result: &image.ImageResult{Provider: "gemini", Model: "m", Images: [][]byte{{1}}},
	}
	cfg := testConfig(t)
	cfg.Tiers["standard"] = cfg.Tiers["standard"][:1]

	reg := prometheus.NewRegistry()
	c, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithAdapter("gemini", adapter),
		WithAdapter("openrouter", &fakeAdapter{name: "openrouter"}),
		WithRecorder(&captureRecorder{}),
		WithMetricsRegistry(reg),
	)
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = c.Generate(context.Background(), &image.ImageTaskOptions{
		Task: "illustration", Prompt: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.calls)

	assert.Greater(t, counterValue(t, reg, "imageflow_cooldown_seconds_total"), 0.0)
}

// counterValue 汇总注册表内某个 counter 指标族的全部标签取值
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestClientGenerateCacheHit(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Cache.Addr = mr.Addr()
	cfg.Cache.TTL = time.Hour

	adapter := &fakeAdapter{
		name:   "gemini",
		result: &image.ImageResult{Provider: "gemini", Model: "m", Images: [][]byte{{9}}},
	}
	c := newTestClient(t, cfg, adapter, &captureRecorder{})
	defer c.Close(context.Background())

	opts := &image.ImageTaskOptions{Task: "illustration", Prompt: "cached prompt"}
	first, err := c.Generate(context.Background(), opts)
	require.NoError(t, err)

	second, err := c.Generate(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, first.Images, second.Images)
	// 第二次命中缓存，不再触达适配器
	assert.Equal(t, 1, adapter.calls)
}

func TestClientGenerateNilOptions(t *testing.T) {
	c := newTestClient(t, testConfig(t), &fakeAdapter{name: "gemini"}, &captureRecorder{})
	defer c.Close(context.Background())

	_, err := c.Generate(context.Background(), nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tasks["broken"] = config.TaskConfig{Tier: "no-such-tier"}

	_, err := New(cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
}
