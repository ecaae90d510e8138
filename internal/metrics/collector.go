// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 生成指标
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	imagesProduced     *prometheus.CounterVec

	// 重试指标
	retriesTotal         *prometheus.CounterVec
	cooldownSecondsTotal *prometheus.CounterVec
	quotaAbortsTotal     *prometheus.CounterVec

	// 租约指标
	leaseAcquisitionsTotal *prometheus.CounterVec
	leaseReclaimsTotal     *prometheus.CounterVec

	// 批量作业指标
	batchJobsTotal  *prometheus.CounterVec
	batchItemsTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 生成指标
	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of image generation calls",
		},
		[]string{"provider", "model", "status"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Image generation call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	c.imagesProduced = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_produced_total",
			Help:      "Total number of images produced",
		},
		[]string{"provider", "model"},
	)

	// 重试指标
	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"reason"},
	)

	c.cooldownSecondsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_seconds_total",
			Help:      "Cumulative provider-declared cooldown wait in seconds",
		},
		[]string{"provider"},
	)

	c.quotaAbortsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_aborts_total",
			Help:      "Total number of runs aborted by quota exhaustion",
		},
		[]string{"provider"},
	)

	// 租约指标
	c.leaseAcquisitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_acquisitions_total",
			Help:      "Total number of credential lease acquisition attempts",
		},
		[]string{"pool", "status"}, // status: acquired, unavailable
	)

	c.leaseReclaimsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_reclaims_total",
			Help:      "Total number of stale leases reclaimed",
		},
		[]string{"pool"},
	)

	// 批量作业指标
	c.batchJobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_total",
			Help:      "Total number of batch jobs by terminal state",
		},
		[]string{"state"},
	)

	c.batchItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch items by outcome",
		},
		[]string{"outcome"}, // outcome: produced, placeholder, failed, skipped
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🖼️ 生成指标记录
// =============================================================================

// RecordGeneration 记录一次生成调用
func (c *Collector) RecordGeneration(provider, model, status string, duration time.Duration, images int) {
	c.generationsTotal.WithLabelValues(provider, model, status).Inc()
	c.generationDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if images > 0 {
		c.imagesProduced.WithLabelValues(provider, model).Add(float64(images))
	}
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(reason string) {
	c.retriesTotal.WithLabelValues(reason).Inc()
}

// RecordCooldown 记录供应商冷却等待
func (c *Collector) RecordCooldown(provider string, d time.Duration) {
	c.cooldownSecondsTotal.WithLabelValues(provider).Add(d.Seconds())
}

// RecordQuotaAbort 记录配额耗尽终止
func (c *Collector) RecordQuotaAbort(provider string) {
	c.quotaAbortsTotal.WithLabelValues(provider).Inc()
}

// =============================================================================
// 🔑 租约指标记录
// =============================================================================

// RecordLeaseAcquisition 记录租约获取结果
func (c *Collector) RecordLeaseAcquisition(pool, status string) {
	c.leaseAcquisitionsTotal.WithLabelValues(pool, status).Inc()
}

// RecordLeaseReclaim 记录失效租约回收
func (c *Collector) RecordLeaseReclaim(pool string) {
	c.leaseReclaimsTotal.WithLabelValues(pool).Inc()
}

// =============================================================================
// 📦 批量作业指标记录
// =============================================================================

// RecordBatchJob 记录批量作业终态
func (c *Collector) RecordBatchJob(state string) {
	c.batchJobsTotal.WithLabelValues(state).Inc()
}

// RecordBatchItems 记录批量条目结局
func (c *Collector) RecordBatchItems(outcome string, n int) {
	if n > 0 {
		c.batchItemsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}
