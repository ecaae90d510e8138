package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// recordingSleeper 记录每次睡眠时长，立即返回
type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

func newTestOrchestrator(policy *Policy) (*Orchestrator, *recordingSleeper) {
	rs := &recordingSleeper{}
	o := NewOrchestrator(policy, zap.NewNop(), WithSleeper(rs.sleep))
	return o, rs
}

func rateLimited() error {
	return types.NewError(types.ErrRateLimited, "too many requests").WithRetryable(true)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	o, rs := newTestOrchestrator(nil)

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rs.slept) // 成功不应睡眠
	assert.Equal(t, 1, o.Successes())
}

func TestDoRetriesRetryableThenSucceeds(t *testing.T) {
	o, rs := newTestOrchestrator(&Policy{
		MaxAttempts:        4,
		InitialDelay:       10 * time.Millisecond,
		MaxDelay:           time.Second,
		Multiplier:         2.0,
		RateLimitThreshold: 10,
	})

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrUpstreamError, "boom").WithRetryable(true)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rs.slept, 2)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	o, rs := newTestOrchestrator(nil)

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrInvalidRequest, "bad payload")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls) // 不可重试错误不应再次尝试
	assert.Empty(t, rs.slept)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestDoExhaustsAttempts(t *testing.T) {
	o, _ := newTestOrchestrator(&Policy{
		MaxAttempts:        3,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
	})

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrUpstreamTimeout, "deadline").WithRetryable(true)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.True(t, types.IsCode(err, types.ErrUpstreamTimeout)) // 原始错误可解包
}

// 阈值 T 的编排器在恰好第 T 次连续限流失败时触发配额耗尽，
// 且任何一次成功都会把计数清零。
func TestConsecutiveRateLimitThreshold(t *testing.T) {
	policy := &Policy{
		MaxAttempts:        10,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 3,
	}

	t.Run("aborts on the Tth failure", func(t *testing.T) {
		o, _ := newTestOrchestrator(policy)

		calls := 0
		err := o.Do(context.Background(), func() error {
			calls++
			return rateLimited()
		})

		var quota *types.QuotaError
		require.ErrorAs(t, err, &quota)
		assert.Equal(t, 3, calls) // 恰好第 3 次触发，不多试
		assert.Equal(t, 0, quota.Successes)
		assert.Equal(t, 3, quota.Failures)
	})

	t.Run("success resets the counter", func(t *testing.T) {
		o, _ := newTestOrchestrator(policy)

		// 两次限流失败后成功：计数应清零
		calls := 0
		err := o.Do(context.Background(), func() error {
			calls++
			if calls <= 2 {
				return rateLimited()
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, o.ConsecutiveRateLimited())
		assert.Equal(t, 1, o.Successes())

		// 再次连续限流仍需完整的 3 次才触发
		calls = 0
		err = o.Do(context.Background(), func() error {
			calls++
			return rateLimited()
		})
		var quota *types.QuotaError
		require.ErrorAs(t, err, &quota)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 1, quota.Successes) // 携带此前的部分完成计数
	})

	t.Run("counter persists across calls", func(t *testing.T) {
		o, _ := newTestOrchestrator(&Policy{
			MaxAttempts:        1,
			InitialDelay:       time.Millisecond,
			MaxDelay:           time.Millisecond,
			Multiplier:         1.0,
			RateLimitThreshold: 3,
		})

		// 每次调用只尝试一次，连续 3 次调用后跨调用计数达到阈值
		for i := 0; i < 2; i++ {
			err := o.Do(context.Background(), func() error { return rateLimited() })
			require.Error(t, err)
			var quota *types.QuotaError
			assert.False(t, errors.As(err, &quota))
		}
		err := o.Do(context.Background(), func() error { return rateLimited() })
		var quota *types.QuotaError
		require.ErrorAs(t, err, &quota)
		assert.Equal(t, 3, quota.Failures)
	})
}

func TestDailyQuotaAbortsImmediately(t *testing.T) {
	o, rs := newTestOrchestrator(nil)

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrQuotaExceeded, "daily limit reached")
	})

	var quota *types.QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 1, calls) // 每日配额：等待无用，立即终止
	assert.Empty(t, rs.slept)
}

func TestCooldownWaitNotChargedToAttempts(t *testing.T) {
	o, rs := newTestOrchestrator(&Policy{
		MaxAttempts:        2,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
		CooldownCap:        90 * time.Second,
		CooldownBudget:     15 * time.Minute,
	})

	// 3 次冷却信号 + 1 次成功：即使 MaxAttempts=2 也应成功，
	// 冷却等待不消耗重试次数
	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		if calls <= 3 {
			return types.NewError(types.ErrCooldown, "please wait").
				WithRetryable(true).
				WithCooldown(5 * time.Second)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	require.Len(t, rs.slept, 3)
	for _, d := range rs.slept {
		assert.Equal(t, 5*time.Second, d)
	}
	assert.Equal(t, 15*time.Second, o.CooldownSpent())
}

func TestCooldownCappedAtPolicyCap(t *testing.T) {
	o, rs := newTestOrchestrator(&Policy{
		MaxAttempts:        2,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
		CooldownCap:        10 * time.Second,
		CooldownBudget:     15 * time.Minute,
	})

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			// 供应商要求等 10 分钟，封顶为 10 秒
			return types.NewError(types.ErrCooldown, "slow down").
				WithRetryable(true).
				WithCooldown(10 * time.Minute)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, rs.slept, 1)
	assert.Equal(t, 10*time.Second, rs.slept[0])
}

func TestCooldownBudgetExhaustedAborts(t *testing.T) {
	o, _ := newTestOrchestrator(&Policy{
		MaxAttempts:        10,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
		CooldownCap:        time.Minute,
		CooldownBudget:     90 * time.Second,
	})

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrCooldown, "please wait").
			WithRetryable(true).
			WithCooldown(time.Minute)
	})

	// 第一次等 60s（预算内），第二次 60s 会超出 90s 预算，终止
	var quota *types.QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 2, calls)
	assert.Equal(t, time.Minute, o.CooldownSpent())
}

func TestDoRespectsContextCancel(t *testing.T) {
	o := NewOrchestrator(&Policy{
		MaxAttempts:        5,
		InitialDelay:       10 * time.Second,
		MaxDelay:           10 * time.Second,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.Do(ctx, func() error {
			calls++
			return types.NewError(types.ErrUpstreamError, "boom").WithRetryable(true)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls) // 退避睡眠期间取消
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	o, _ := newTestOrchestrator(nil)

	result, err := o.DoWithResult(context.Background(), func() (any, error) {
		return "image-bytes", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "image-bytes", result)
}

func TestCalculateDelayGrowsAndCaps(t *testing.T) {
	o := NewOrchestrator(&Policy{
		MaxAttempts:        10,
		InitialDelay:       time.Second,
		MaxDelay:           8 * time.Second,
		Multiplier:         2.0,
		Jitter:             false,
		RateLimitThreshold: 100,
	}, zap.NewNop())

	assert.Equal(t, time.Second, o.calculateDelay(1))
	assert.Equal(t, 2*time.Second, o.calculateDelay(2))
	assert.Equal(t, 4*time.Second, o.calculateDelay(3))
	assert.Equal(t, 8*time.Second, o.calculateDelay(4))
	assert.Equal(t, 8*time.Second, o.calculateDelay(5)) // 封顶
}

func TestCalculateDelayJitterBounds(t *testing.T) {
	o := NewOrchestrator(&Policy{
		MaxAttempts:        10,
		InitialDelay:       time.Second,
		MaxDelay:           60 * time.Second,
		Multiplier:         2.0,
		Jitter:             true,
		RateLimitThreshold: 100,
	}, zap.NewNop())

	for i := 0; i < 200; i++ {
		d := o.calculateDelay(3) // 基数 4s，抖动 ±25%
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestOnRetryCallbackInvoked(t *testing.T) {
	var seen []int
	o, _ := newTestOrchestrator(&Policy{
		MaxAttempts:        3,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
		},
	})

	_ = o.Do(context.Background(), func() error {
		return types.NewError(types.ErrUpstreamError, "boom").WithRetryable(true)
	})

	assert.Equal(t, []int{1, 2}, seen)
}

func TestOnCooldownCallbackInvoked(t *testing.T) {
	var waits []time.Duration
	var errs []error
	o, rs := newTestOrchestrator(&Policy{
		MaxAttempts:        2,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Millisecond,
		Multiplier:         1.0,
		RateLimitThreshold: 100,
		CooldownCap:        10 * time.Second,
		CooldownBudget:     15 * time.Minute,
		OnCooldown: func(err error, wait time.Duration) {
			errs = append(errs, err)
			waits = append(waits, wait)
		},
	})

	calls := 0
	err := o.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return types.NewError(types.ErrCooldown, "slow down").
				WithRetryable(true).
				WithCooldown(time.Minute)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, 10*time.Second, waits[0]) // 回调拿到的是封顶后的实际等待
	assert.Equal(t, waits, rs.slept)
	require.Len(t, errs, 1)
	assert.True(t, types.IsCode(errs[0], types.ErrCooldown))
}
