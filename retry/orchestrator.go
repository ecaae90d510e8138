package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// Policy 定义重试编排策略
// 遵循 KISS 原则：简单但功能完整的重试策略
type Policy struct {
	MaxAttempts        int           // 单次调用最大尝试次数（含首次）
	InitialDelay       time.Duration // 初始退避延迟
	MaxDelay           time.Duration // 最大退避延迟
	Multiplier         float64       // 延迟倍增因子（指数退避）
	Jitter             bool          // 是否添加随机抖动（防止雪崩）
	RateLimitThreshold int           // 连续限流失败阈值，第 T 次触发配额耗尽
	CooldownCap        time.Duration // 单次供应商冷却等待上限
	CooldownBudget     time.Duration // 整个运行期的累计冷却预算
	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration)
	// OnCooldown 冷却等待回调，err 为触发冷却的原始错误
	OnCooldown func(err error, wait time.Duration)
}

// DefaultPolicy 返回默认的重试编排策略
// 适用于大部分图像生成 API 调用场景
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:        4,
		InitialDelay:       2 * time.Second,
		MaxDelay:           60 * time.Second,
		Multiplier:         2.0,
		Jitter:             true,
		RateLimitThreshold: 5,
		CooldownCap:        90 * time.Second,
		CooldownBudget:     15 * time.Minute,
	}
}

// Orchestrator 将一次供应商调用包装为按失败分类驱动的重试状态机。
//
// 计数器归属于单个串行 worker 实例，跨多次 Do 调用累计：成功数与连续
// 限流失败数由同一实例持有，互不相关的流水线各建各的实例，状态绝不
// 通过包级全局共享。
type Orchestrator struct {
	policy *Policy
	logger *zap.Logger

	successes     int
	consecLimited int
	cooldownSpent time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSleeper overrides the blocking sleep. Intended for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// NewOrchestrator 创建重试编排器
func NewOrchestrator(policy *Policy, logger *zap.Logger, opts ...Option) *Orchestrator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.RateLimitThreshold < 1 {
		policy.RateLimitThreshold = 1
	}

	o := &Orchestrator{
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do 执行单次生成调用，按失败分类决定退避、冷却或放弃。
func (o *Orchestrator) Do(ctx context.Context, fn func() error) error {
	_, err := o.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 核心状态机：
//   - 成功: 成功计数 +1，连续限流计数清零
//   - 冷却信号（供应商显式等待提示）: 按上限封顶等待，计入运行级冷却
//     预算，不消耗重试次数
//   - 无提示的限流失败: 连续计数 +1，达到阈值即判定配额耗尽并携带
//     部分完成计数终止
//   - 每日配额信号: 立即终止，等待无济于事
//   - 其余可重试错误: 指数退避直至尝试次数耗尽，仅此一次调用失败
func (o *Orchestrator) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := fn()
		if err == nil {
			o.successes++
			o.consecLimited = 0
			return result, nil
		}
		lastErr = err

		// 每日配额与一般限流不同：等待无法恢复，立即终止
		if types.IsCode(err, types.ErrQuotaExceeded) {
			o.consecLimited++
			o.logger.Warn("daily quota signature, aborting run",
				zap.Int("successes", o.successes),
				zap.Error(err))
			return nil, &types.QuotaError{Successes: o.successes, Failures: o.consecLimited, Cause: err}
		}

		// 供应商声明的冷却：等待不计入重试预算
		if hint, ok := types.CooldownHint(err); ok {
			wait := hint
			if o.policy.CooldownCap > 0 && wait > o.policy.CooldownCap {
				wait = o.policy.CooldownCap
			}
			if o.policy.CooldownBudget > 0 && o.cooldownSpent+wait > o.policy.CooldownBudget {
				o.logger.Warn("cooldown budget exhausted",
					zap.Duration("spent", o.cooldownSpent),
					zap.Duration("budget", o.policy.CooldownBudget))
				return nil, &types.QuotaError{Successes: o.successes, Failures: o.consecLimited, Cause: err}
			}
			o.logger.Info("provider cooldown, waiting",
				zap.Duration("wait", wait),
				zap.Duration("cooldown_spent", o.cooldownSpent))
			if o.policy.OnCooldown != nil {
				o.policy.OnCooldown(err, wait)
			}
			if serr := o.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
			o.cooldownSpent += wait
			continue
		}

		if types.IsCode(err, types.ErrRateLimited) {
			o.consecLimited++
			if o.consecLimited >= o.policy.RateLimitThreshold {
				o.logger.Warn("consecutive rate-limit threshold crossed",
					zap.Int("threshold", o.policy.RateLimitThreshold),
					zap.Int("successes", o.successes))
				return nil, &types.QuotaError{Successes: o.successes, Failures: o.consecLimited, Cause: err}
			}
		} else if !types.IsRetryable(err) {
			return nil, err
		}

		attempt++
		if attempt >= o.policy.MaxAttempts {
			break
		}

		delay := o.calculateDelay(attempt)
		o.logger.Debug("retrying after backoff",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if o.policy.OnRetry != nil {
			o.policy.OnRetry(attempt, lastErr, delay)
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}

	return nil, fmt.Errorf("call failed after %d attempts: %w", o.policy.MaxAttempts, lastErr)
}

// calculateDelay 计算退避延迟
// 指数退避 + 可选随机抖动（±25%），封顶后不低于初始延迟
func (o *Orchestrator) calculateDelay(attempt int) time.Duration {
	delay := float64(o.policy.InitialDelay) * math.Pow(o.policy.Multiplier, float64(attempt-1))

	if delay > float64(o.policy.MaxDelay) {
		delay = float64(o.policy.MaxDelay)
	}

	if o.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (o.rng.Float64()*2-1)*jitter
	}

	if delay < float64(o.policy.InitialDelay) {
		delay = float64(o.policy.InitialDelay)
	}

	return time.Duration(delay)
}

// Successes 返回本实例累计的成功次数
func (o *Orchestrator) Successes() int { return o.successes }

// ConsecutiveRateLimited 返回当前连续限流失败次数
func (o *Orchestrator) ConsecutiveRateLimited() int { return o.consecLimited }

// CooldownSpent 返回已消耗的累计冷却时间
func (o *Orchestrator) CooldownSpent() time.Duration { return o.cooldownSpent }
