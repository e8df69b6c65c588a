package core

import (
	"context"
	"errors"
)

// Store 是画像、去重标记等字节值的持久化接口，由 store 包实现（内存、Redis、Badger）。
// ttl 单位为秒，0 或不传表示不过期。key 不存在时 Get 返回 ErrStoreNotFound。
type Store interface {
	// Name 返回后端名称，用于日志与熔断器命名
	Name() string

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl ...int) error
	Delete(ctx context.Context, key string) error

	// BatchGet 只返回存在的 key
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)
	BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error

	Close() error
}

// KeyValueStore 在 Store 之上增加有序集合与哈希：
//   - 有序集合：热门榜单（反馈累加、召回读取 TopN、定期衰减）
//   - 哈希：物品主表、黑名单
//
// 后端不支持时返回 ErrStoreNotSupported。
type KeyValueStore interface {
	Store

	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZIncrBy 增加成员分数，成员不存在时从 0 开始，返回新分数
	ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error)

	// ZRange 按分数降序返回 [start, stop] 区间的成员，负数下标从末尾计
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	ZScore(ctx context.Context, key string, member string) (float64, error)

	// ZScale 把全部成员分数乘以 factor，并删除结果低于 floor 的成员
	ZScale(ctx context.Context, key string, factor, floor float64) error

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key, field string) error
}

var (
	ErrStoreNotFound     = NewDomainError(ModuleStore, ErrorCodeNotFound, "store: key not found")
	ErrStoreNotSupported = NewDomainError(ModuleStore, ErrorCodeNotSupported, "store: operation not supported")
)

// IsStoreNotFound 只匹配存储层的 NOT_FOUND，画像、物品等其他模块的 NOT_FOUND 不算。
func IsStoreNotFound(err error) bool { return errors.Is(err, ErrStoreNotFound) }

func IsStoreNotSupported(err error) bool { return errors.Is(err, ErrStoreNotSupported) }
