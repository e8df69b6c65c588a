package store

import (
	"context"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/breaker"
)

// BreakerStore 为任意 core.Store 加熔断，并把后端错误归一为领域错误：
// 熔断打开返回 UNAVAILABLE，超时返回 TIMEOUT，NOT_FOUND 原样返回且不计失败。
//
// 内部 Store 同时实现 core.KeyValueStore 时，有序集合与哈希操作同样受保护；
// 否则这些操作返回 NOT_SUPPORTED。
type BreakerStore struct {
	inner core.Store
	kv    core.KeyValueStore
	bytes *breaker.Breaker[[]byte]
	maps  *breaker.Breaker[map[string][]byte]
	strs  *breaker.Breaker[[]string]
	score *breaker.Breaker[float64]
}

// NewBreakerStore 包装 inner。四个熔断器共享同一名称前缀，按返回类型区分。
func NewBreakerStore(inner core.Store, cfg breaker.Config) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "store." + inner.Name()
	}
	named := func(suffix string) breaker.Config {
		c := cfg
		c.Name = cfg.Name + suffix
		return c
	}
	s := &BreakerStore{
		inner: inner,
		bytes: breaker.New[[]byte](core.ModuleStore, named("")),
		maps:  breaker.New[map[string][]byte](core.ModuleStore, named(".batch")),
		strs:  breaker.New[[]string](core.ModuleStore, named(".zset")),
		score: breaker.New[float64](core.ModuleStore, named(".score")),
	}
	if kv, ok := inner.(core.KeyValueStore); ok {
		s.kv = kv
	}
	return s
}

func (s *BreakerStore) Name() string { return s.inner.Name() }

// Unwrap 返回被包装的 Store
func (s *BreakerStore) Unwrap() core.Store { return s.inner }

func (s *BreakerStore) exec(fn func() error) error {
	_, err := s.bytes.Execute(func() ([]byte, error) { return nil, fn() })
	return err
}

func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.bytes.Execute(func() ([]byte, error) { return s.inner.Get(ctx, key) })
}

func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	return s.exec(func() error { return s.inner.Set(ctx, key, value, ttl...) })
}

func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	return s.exec(func() error { return s.inner.Delete(ctx, key) })
}

func (s *BreakerStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return s.maps.Execute(func() (map[string][]byte, error) { return s.inner.BatchGet(ctx, keys) })
}

func (s *BreakerStore) BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error {
	return s.exec(func() error { return s.inner.BatchSet(ctx, kvs, ttl...) })
}

func (s *BreakerStore) Close() error { return s.inner.Close() }

func (s *BreakerStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if s.kv == nil {
		return core.ErrStoreNotSupported
	}
	return s.exec(func() error { return s.kv.ZAdd(ctx, key, score, member) })
}

func (s *BreakerStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error) {
	if s.kv == nil {
		return 0, core.ErrStoreNotSupported
	}
	return s.score.Execute(func() (float64, error) { return s.kv.ZIncrBy(ctx, key, increment, member) })
}

func (s *BreakerStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if s.kv == nil {
		return nil, core.ErrStoreNotSupported
	}
	return s.strs.Execute(func() ([]string, error) { return s.kv.ZRange(ctx, key, start, stop) })
}

func (s *BreakerStore) ZScore(ctx context.Context, key string, member string) (float64, error) {
	if s.kv == nil {
		return 0, core.ErrStoreNotSupported
	}
	return s.score.Execute(func() (float64, error) { return s.kv.ZScore(ctx, key, member) })
}

func (s *BreakerStore) ZScale(ctx context.Context, key string, factor, floor float64) error {
	if s.kv == nil {
		return core.ErrStoreNotSupported
	}
	return s.exec(func() error { return s.kv.ZScale(ctx, key, factor, floor) })
}

func (s *BreakerStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	if s.kv == nil {
		return nil, core.ErrStoreNotSupported
	}
	return s.bytes.Execute(func() ([]byte, error) { return s.kv.HGet(ctx, key, field) })
}

func (s *BreakerStore) HSet(ctx context.Context, key, field string, value []byte) error {
	if s.kv == nil {
		return core.ErrStoreNotSupported
	}
	return s.exec(func() error { return s.kv.HSet(ctx, key, field, value) })
}

func (s *BreakerStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if s.kv == nil {
		return nil, core.ErrStoreNotSupported
	}
	return s.maps.Execute(func() (map[string][]byte, error) { return s.kv.HGetAll(ctx, key) })
}

func (s *BreakerStore) HDel(ctx context.Context, key, field string) error {
	if s.kv == nil {
		return core.ErrStoreNotSupported
	}
	return s.exec(func() error { return s.kv.HDel(ctx, key, field) })
}

var _ core.KeyValueStore = (*BreakerStore)(nil)
