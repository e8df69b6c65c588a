package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rushteam/rslash/core"
)

// RedisOptions 是 RedisStore 的连接参数。URL 非空时优先于 Addr/DB。
type RedisOptions struct {
	Addr string
	URL  string
	DB   int

	// Prefix 加在所有 key 前，多个服务共用一个 Redis 时隔离命名空间（频道名不加前缀）
	Prefix string

	PoolSize    int
	PingTimeout time.Duration
}

// RedisStore 是 Redis 实现的 KeyValueStore。
// 多实例部署时画像、去重标记、热门榜单、物品主表都放在这里。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis 建立连接并做一次 PING，失败时关闭连接。
func OpenRedis(o RedisOptions) (*RedisStore, error) {
	var opts *redis.Options
	if o.URL != "" {
		var err error
		if opts, err = redis.ParseURL(o.URL); err != nil {
			return nil, fmt.Errorf("store: parse redis url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: o.Addr, DB: o.DB}
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	timeout := o.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, o.Prefix), nil
}

// NewRedisStoreFromClient 包装已有客户端，不做连通性检查。
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Client 暴露底层客户端，供会话缓存等需要原生命令的组件共享连接池。
func (r *RedisStore) Client() *redis.Client { return r.client }

// Prefix 返回 key 前缀。
func (r *RedisStore) Prefix() string { return r.prefix }

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) k(key string) string { return r.prefix + key }

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return core.ErrStoreNotFound
	}
	return err
}

func ttlDuration(ttl []int) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return time.Duration(ttl[0]) * time.Second
	}
	return 0
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.k(key)).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	return r.client.Set(ctx, r.k(key), value, ttlDuration(ttl)).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.k(key)).Err()
}

func (r *RedisStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.k(key)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		if s, ok := vals[i].(string); ok {
			result[key] = []byte(s)
		}
	}
	return result, nil
}

func (r *RedisStore) BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error {
	if len(kvs) == 0 {
		return nil
	}
	expiration := ttlDuration(ttl)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, v := range kvs {
			pipe.Set(ctx, r.k(key), v, expiration)
		}
		return nil
	})
	return err
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, r.k(key), redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error) {
	return r.client.ZIncrBy(ctx, r.k(key), increment, member).Result()
}

// ZRange 按分数降序返回（ZREVRANGE）。
func (r *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRevRange(ctx, r.k(key), start, stop).Result()
}

func (r *RedisStore) ZScore(ctx context.Context, key string, member string) (float64, error) {
	score, err := r.client.ZScore(ctx, r.k(key), member).Result()
	if err != nil {
		return 0, notFound(err)
	}
	return score, nil
}

// zscaleScript 在服务端原子地缩放整个有序集合，避免把榜单拉回客户端。
var zscaleScript = redis.NewScript(`
local members = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local factor, floor = tonumber(ARGV[1]), tonumber(ARGV[2])
for i = 1, #members, 2 do
  local scaled = tonumber(members[i + 1]) * factor
  if scaled < floor then
    redis.call('ZREM', KEYS[1], members[i])
  else
    redis.call('ZADD', KEYS[1], scaled, members[i])
  end
end
return #members / 2
`)

func (r *RedisStore) ZScale(ctx context.Context, key string, factor, floor float64) error {
	return zscaleScript.Run(ctx, r.client, []string{r.k(key)}, factor, floor).Err()
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := r.client.HGet(ctx, r.k(key), field).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	return val, nil
}

func (r *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	return r.client.HSet(ctx, r.k(key), field, value).Err()
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := r.client.HGetAll(ctx, r.k(key)).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(vals))
	for f, v := range vals {
		result[f] = []byte(v)
	}
	return result, nil
}

func (r *RedisStore) HDel(ctx context.Context, key, field string) error {
	return r.client.HDel(ctx, r.k(key), field).Err()
}

// Publish 向频道发布消息（模型刷新通知等）。
func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Ping 检查连通性，健康检查使用。
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// String 用于日志，隐藏密码。
func (r *RedisStore) String() string {
	opts := r.client.Options()
	return fmt.Sprintf("redis://%s/%d%s", opts.Addr, opts.DB, strings.TrimSuffix("/"+r.prefix, "/"))
}

var (
	_ core.Store         = (*RedisStore)(nil)
	_ core.KeyValueStore = (*RedisStore)(nil)
)
