// =============================================================================
// Package imageflow — Resilient Image Generation Client
// =============================================================================
// Top-level facade tying the pieces together: task→tier→model resolution with
// provider failover, cross-process credential leasing, sliding-window rate
// limiting, quota-aware retry, result caching and attempt auditing.
//
// Usage:
//
//	import "github.com/BaSui01/imageflow"
//
//	client, err := imageflow.New(cfg)
//	result, err := client.Generate(ctx, &image.ImageTaskOptions{
//	    Task:   "illustration",
//	    Prompt: "a lighthouse at dusk",
//	})
//
// =============================================================================
package imageflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/imageflow/batch"
	"github.com/BaSui01/imageflow/cache"
	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/history"
	"github.com/BaSui01/imageflow/image"
	"github.com/BaSui01/imageflow/image/providers"
	"github.com/BaSui01/imageflow/internal/ctxkeys"
	"github.com/BaSui01/imageflow/internal/metrics"
	"github.com/BaSui01/imageflow/internal/telemetry"
	"github.com/BaSui01/imageflow/keylease"
	"github.com/BaSui01/imageflow/ratelimit"
	"github.com/BaSui01/imageflow/retry"
	"github.com/BaSui01/imageflow/types"
)

// Option configures the client created by [New].
type Option func(*options)

type options struct {
	logger   *zap.Logger
	adapters map[string]image.Adapter
	recorder history.Recorder
	registry prometheus.Registerer
	leases   *keylease.Manager
	batchSvc batch.Service
}

// WithLogger sets a custom zap logger. Defaults to one built from the
// config's log section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAdapter registers (or replaces) the adapter for one provider id.
func WithAdapter(provider string, a image.Adapter) Option {
	return func(o *options) {
		if o.adapters == nil {
			o.adapters = make(map[string]image.Adapter)
		}
		o.adapters[provider] = a
	}
}

// WithRecorder overrides the attempt recorder.
func WithRecorder(r history.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithMetricsRegistry sets the Prometheus registry the collectors
// register into. Defaults to the global registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithLeaseManager overrides the credential lease manager.
func WithLeaseManager(m *keylease.Manager) Option {
	return func(o *options) { o.leases = m }
}

// WithBatchService overrides the async batch backend.
func WithBatchService(s batch.Service) Option {
	return func(o *options) { o.batchSvc = s }
}

// Client 同步生成入口。持有一次运行期间的全部协作组件；
// 重试计数器是运行级状态，因此 Generate 不支持并发调用。
type Client struct {
	cfg      *config.Config
	catalog  *image.Catalog
	resolver *image.Resolver
	leases   *keylease.Manager
	limiter  *ratelimit.Window
	retrier  *retry.Orchestrator
	cache    *cache.ResultCache
	history  history.Recorder
	metrics  *metrics.Collector
	tel      *telemetry.Providers
	batchSvc batch.Service
	logger   *zap.Logger

	// provider id → 池名
	pools map[string]string
}

// New builds a Client from configuration. A nil cfg uses defaults.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	collector := metrics.NewCollector("imageflow", o.registry, logger)

	leases := o.leases
	if leases == nil {
		health := keylease.NewHealthStore(cfg.Paths.HealthPath(), logger)
		pools := make(map[string]keylease.PoolSource, len(cfg.Pools))
		for name, p := range cfg.Pools {
			pools[name] = keylease.PoolSource{
				PrimaryEnv:       p.PrimaryEnv,
				Keys:             p.Keys,
				RecheckExhausted: p.RecheckExhausted,
			}
		}
		prober := keylease.NewHTTPProber(cfg.Providers.Gemini.BaseURL, 10*time.Second, logger)
		leases, err = keylease.NewManager(
			cfg.Paths.LeasePath(),
			cfg.Paths.KeyringPath(),
			health, pools, logger,
			keylease.WithProber(prober),
			keylease.WithSkewGrace(cfg.Lease.SkewGrace),
			keylease.WithReclaimHook(collector.RecordLeaseReclaim),
		)
		if err != nil {
			return nil, fmt.Errorf("init lease manager: %w", err)
		}
	}

	adapters := map[string]image.Adapter{
		"gemini":     providers.NewGeminiAdapter(cfg.Providers.Gemini, logger),
		"openrouter": providers.NewOpenRouterAdapter(cfg.Providers.OpenRouter, logger),
	}
	for name, a := range o.adapters {
		adapters[name] = a
	}

	catalog := image.CatalogFromConfig(cfg)

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay > 0 {
		policy.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		policy.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.Multiplier > 1 {
		policy.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.RateLimitThreshold > 0 {
		policy.RateLimitThreshold = cfg.Retry.RateLimitThreshold
	}
	if cfg.Retry.CooldownCap > 0 {
		policy.CooldownCap = cfg.Retry.CooldownCap
	}
	if cfg.Retry.CooldownBudget > 0 {
		policy.CooldownBudget = cfg.Retry.CooldownBudget
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		collector.RecordRetry(string(types.GetErrorCode(err)))
	}
	policy.OnCooldown = func(err error, wait time.Duration) {
		collector.RecordCooldown(errorProvider(err), wait)
	}

	var resultCache *cache.ResultCache
	if cfg.Cache.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr, DB: cfg.Cache.DB})
		resultCache = cache.New(client, cfg.Cache.TTL, logger)
	} else {
		resultCache = cache.New(nil, 0, logger)
	}

	recorder := o.recorder
	if recorder == nil {
		if cfg.History.Enabled {
			store, err := history.Open(cfg.Paths.ResolvePath(cfg.History.DSN), logger)
			if err != nil {
				return nil, fmt.Errorf("open history store: %w", err)
			}
			recorder = store
		} else {
			recorder = history.NopRecorder{}
		}
	}

	return &Client{
		cfg:      cfg,
		catalog:  catalog,
		resolver: image.NewResolver(catalog, adapters, logger),
		leases:   leases,
		limiter:  ratelimit.NewWindow(cfg.RateLimit.MaxPerWindow, cfg.RateLimit.Window, logger),
		retrier:  retry.NewOrchestrator(policy, logger),
		cache:    resultCache,
		history:  recorder,
		metrics:  collector,
		tel:      tel,
		batchSvc: o.batchSvc,
		logger:   logger,
		pools: map[string]string{
			"gemini":     cfg.Providers.Gemini.Pool,
			"openrouter": cfg.Providers.OpenRouter.Pool,
		},
	}, nil
}

// Generate runs one synchronous generation: cache lookup, credential lease
// per candidate provider, then the retried failover call. The first
// candidate model that yields images wins; terminal quota exhaustion
// surfaces as *types.QuotaError.
func (c *Client) Generate(ctx context.Context, opts *image.ImageTaskOptions) (*image.ImageResult, error) {
	if opts == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "options are required")
	}

	cacheKey := cache.Key(opts)
	if res, ok := c.cache.Get(ctx, cacheKey); ok {
		c.metrics.RecordCacheHit("result")
		return res, nil
	}
	c.metrics.RecordCacheMiss("result")

	_, candidates, err := c.catalog.Resolve(opts.Task)
	if err != nil {
		return nil, err
	}

	// 关联 ID 贯穿重试与故障转移的全部上游调用
	requestID := uuid.NewString()
	ctx = ctxkeys.WithRequestID(ctx, requestID)
	ctx = ctxkeys.WithTask(ctx, opts.Task)

	keys, held, err := c.acquireLeases(ctx, opts.Task, candidates)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, l := range held {
			c.leases.Release(l)
		}
	}()

	start := time.Now()
	res, genErr := c.retrier.DoWithResult(ctx, func() (any, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.resolver.Generate(ctx, opts, keys)
	})
	duration := time.Since(start)

	if genErr != nil {
		c.recordFailure(opts.Task, held, genErr, duration)
		return nil, genErr
	}

	result := res.(*image.ImageResult)
	if result.RequestID == "" {
		result.RequestID = requestID
	}
	c.recordSuccess(opts.Task, held, result, duration)
	c.cache.Set(ctx, cacheKey, result)
	return result, nil
}

// acquireLeases 为候选模型涉及的每个池取一张租约。部分池不可用
// 只降级（跳过该供应商），全部不可用才失败。
func (c *Client) acquireLeases(ctx context.Context, task string, candidates []image.ModelCatalogEntry) (map[string]string, map[string]*keylease.Lease, error) {
	keys := make(map[string]string)
	held := make(map[string]*keylease.Lease)

	for _, entry := range candidates {
		pool := c.pools[entry.Provider]
		if pool == "" {
			continue
		}
		if _, ok := keys[entry.Provider]; ok {
			continue
		}
		if l, ok := held[pool]; ok {
			// 两个供应商共用一个池时复用同一张租约
			keys[entry.Provider] = l.Key
			continue
		}

		lease, err := c.leases.Acquire(ctx, pool, "generate:"+task, c.cfg.Lease.TTL, c.cfg.Lease.Preflight)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			c.metrics.RecordLeaseAcquisition(pool, "unavailable")
			c.logger.Warn("pool unavailable, provider skipped",
				zap.String("pool", pool),
				zap.String("provider", entry.Provider),
				zap.Error(err))
			continue
		}
		c.metrics.RecordLeaseAcquisition(pool, "acquired")
		held[pool] = lease
		keys[entry.Provider] = lease.Key
	}

	if len(held) == 0 {
		_ = c.history.Append(&history.Attempt{Task: task, Outcome: history.OutcomeLease})
		return nil, nil, types.NewError(types.ErrLeaseUnavailable,
			"no credential lease could be acquired for task "+task)
	}
	return keys, held, nil
}

func (c *Client) recordSuccess(task string, held map[string]*keylease.Lease, result *image.ImageResult, d time.Duration) {
	var fp string
	if pool := c.pools[result.Provider]; pool != "" {
		if l, ok := held[pool]; ok {
			fp = l.Fingerprint
			if err := c.leases.RecordKeyStatus(fp, keylease.StatusOK, 0); err != nil {
				c.logger.Warn("record key status failed", zap.Error(err))
			}
		}
	}
	c.metrics.RecordGeneration(result.Provider, result.Model, "success", d, len(result.Images))
	if err := c.history.Append(&history.Attempt{
		Task:        task,
		Provider:    result.Provider,
		Model:       result.Model,
		Fingerprint: fp,
		Outcome:     history.OutcomeSuccess,
		DurationMs:  d.Milliseconds(),
	}); err != nil {
		c.logger.Warn("history append failed", zap.Error(err))
	}
}

func (c *Client) recordFailure(task string, held map[string]*keylease.Lease, genErr error, d time.Duration) {
	outcome := history.OutcomeFailed
	code := types.GetErrorCode(genErr)

	switch {
	case types.IsQuotaExhausted(genErr):
		outcome = history.OutcomeQuota
		// 配额竭尽是密钥级状态，标记所有持有的凭据
		for pool, l := range held {
			c.metrics.RecordQuotaAbort(pool)
			if err := c.leases.RecordKeyStatus(l.Fingerprint, keylease.StatusExhausted, 0); err != nil {
				c.logger.Warn("record key status failed", zap.Error(err))
			}
		}
	case code == types.ErrUnauthorized:
		for _, l := range held {
			if err := c.leases.RecordKeyStatus(l.Fingerprint, keylease.StatusInvalid, 401); err != nil {
				c.logger.Warn("record key status failed", zap.Error(err))
			}
		}
	}

	c.metrics.RecordGeneration("", "", "failed", d, 0)
	if err := c.history.Append(&history.Attempt{
		Task:       task,
		Outcome:    outcome,
		ErrCode:    string(code),
		DurationMs: d.Milliseconds(),
	}); err != nil {
		c.logger.Warn("history append failed", zap.Error(err))
	}
}

// RunBatch drives the async batch pipeline end to end: build the request
// payload, submit it under a leased credential, poll to a terminal state,
// then fetch and write the outputs.
func (c *Client) RunBatch(ctx context.Context, params batch.BuildParams) (*batch.Summary, error) {
	pool := c.pools["gemini"]
	lease, err := c.leases.Acquire(ctx, pool, "batch:"+params.Name, c.cfg.Lease.TTL, c.cfg.Lease.Preflight)
	if err != nil {
		c.metrics.RecordLeaseAcquisition(pool, "unavailable")
		return nil, err
	}
	c.metrics.RecordLeaseAcquisition(pool, "acquired")
	defer c.leases.Release(lease)

	svc := c.batchSvc
	if svc == nil {
		svc = batch.NewGeminiBatchService(c.cfg.Providers.Gemini, lease.Key)
	}
	coord := batch.NewCoordinator(svc, c.cfg.Batch,
		c.cfg.Paths.ManifestPath(),
		c.cfg.Paths.OutputPath(),
		c.logger)

	summary, err := coord.Run(ctx, params)
	if err != nil {
		c.metrics.RecordBatchJob("failed")
		return nil, err
	}
	c.metrics.RecordBatchJob("succeeded")
	c.metrics.RecordBatchItems("produced", summary.Produced)
	c.metrics.RecordBatchItems("placeholder", summary.Placeholders)
	c.metrics.RecordBatchItems("failed", len(summary.FailedCues))
	return summary, nil
}

// Leases exposes the underlying lease manager (list, probe, purge).
func (c *Client) Leases() *keylease.Manager { return c.leases }

// Close flushes telemetry and closes the audit store.
func (c *Client) Close(ctx context.Context) error {
	var firstErr error
	if err := c.history.Close(); err != nil {
		firstErr = err
	}
	if err := c.tel.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// errorProvider 提取错误归属的供应商标识，无法判定时归入 "unknown"。
func errorProvider(err error) string {
	var te *types.Error
	if errors.As(err, &te) && te.Provider != "" {
		return te.Provider
	}
	return "unknown"
}

// newLogger 按配置构建 zap：format 选编码器，level 控制阈值。
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
