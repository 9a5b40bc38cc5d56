package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy 决定瞬时错误（报价服务失败、钱包查询失败）后的重试节奏。
type RetryPolicy struct {
	// MaxAttempts 是允许的瞬时失败次数，超过后步骤以 RETRIES_EXHAUSTED 失败。
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter 对应 backoff 的 RandomizationFactor，0 表示无抖动。
	Jitter float64
}

// DefaultRetryPolicy 返回默认重试策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Initial:     2 * time.Second,
		Max:         time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Next 返回第 attempt 次失败（从 1 开始）后的等待时间；预算耗尽时 ok 为 false。
func (p RetryPolicy) Next(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay, true
}
