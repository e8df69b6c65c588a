// Package breaker 封装 gobreaker，把熔断与超时统一映射到领域错误。
package breaker

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// Config 熔断配置
type Config struct {
	Name             string        `koanf:"name"`
	MaxRequests      uint32        `koanf:"max_requests"`      // 半开状态允许的探测请求数
	Interval         time.Duration `koanf:"interval"`          // 闭合状态计数清零周期
	Timeout          time.Duration `koanf:"timeout"`           // 打开状态持续时间
	FailureThreshold uint32        `koanf:"failure_threshold"` // 连续失败多少次打开
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	return c
}

// Breaker 是带类型参数的熔断器。
type Breaker[T any] struct {
	module string
	cb     *gobreaker.CircuitBreaker[T]
}

// New 创建熔断器。module 用于生成领域错误。
// NOT_FOUND、MALFORMED 与调用方主动取消不计为失败。
func New[T any](module string, cfg Config) *Breaker[T] {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || core.IsNotFound(err) || core.IsMalformed(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Breaker[T]{module: module, cb: gobreaker.NewCircuitBreaker[T](settings)}
}

// Execute 在熔断保护下执行 fn，并做错误归一：
//   - 熔断打开 / 半开超额 → UNAVAILABLE
//   - context.DeadlineExceeded → TIMEOUT
//   - 其它非领域错误 → UNAVAILABLE（包装原因）
func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(fn)
	if err == nil {
		return v, nil
	}
	return v, Classify(b.module, err)
}

// State 返回当前熔断状态
func (b *Breaker[T]) State() string { return b.cb.State().String() }

// Classify 把基础设施错误映射为领域错误。
func Classify(module string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return core.WrapDomainError(module, core.ErrorCodeUnavailable, module+": circuit open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return core.AsTimeout(module, err)
	case errors.Is(err, context.Canceled), core.IsDomainError(err):
		return err
	default:
		return core.WrapDomainError(module, core.ErrorCodeUnavailable, module+": backend error", err)
	}
}

// RetryOnce 执行 fn；若返回 UNAVAILABLE，等待 backoff 后至多重试一次。
// 服务链路上任何网络调用都不会同步重试超过一次。
func RetryOnce[T any](ctx context.Context, backoff time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || !core.IsUnavailable(err) {
		return v, err
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		var zero T
		return zero, core.AsTimeout(core.ModuleService, ctx.Err())
	case <-timer.C:
	}
	return fn(ctx)
}
