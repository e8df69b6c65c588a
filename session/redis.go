package session

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/breaker"
)

// RedisCache 用有序集合保存会话：key session:<id>，member 为物品 ID，score 为下发时间（毫秒）。
// 多实例部署时共享会话状态。
type RedisCache struct {
	client redis.UniversalClient
	opts   Options
	prefix string
	now    func() time.Time
}

func NewRedisCache(client redis.UniversalClient, opts Options) *RedisCache {
	return &RedisCache{client: client, opts: opts.withDefaults(), prefix: "session:", now: time.Now}
}

// WithPrefix 在会话 key 前加命名空间，与 store.RedisStore 的前缀保持一致。
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	c.prefix = prefix + "session:"
	return c
}

func (c *RedisCache) key(sessionID string) string { return c.prefix + sessionID }

func (c *RedisCache) Filter(ctx context.Context, sessionID string, cands []*core.Candidate, want int) ([]*core.Candidate, error) {
	if sessionID == "" || len(cands) == 0 {
		return cands, nil
	}
	key := c.key(sessionID)
	cutoff := c.now().Add(-c.opts.TTL).UnixMilli()
	ids := core.IDs(cands)

	var scores *redis.FloatSliceCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		scores = pipe.ZMScore(ctx, key, ids...)
		return nil
	})
	if err != nil {
		return cands, breaker.Classify(core.ModuleSession, err)
	}

	served := make(map[string]time.Time)
	for i, s := range scores.Val() {
		// 不存在的成员返回 0
		if s > 0 && i < len(ids) {
			served[ids[i]] = time.UnixMilli(int64(s))
		}
	}
	return applyWindow(cands, served, want, c.opts.ExhaustionRatio), nil
}

func (c *RedisCache) Record(ctx context.Context, sessionID string, itemIDs []string) error {
	if sessionID == "" || len(itemIDs) == 0 {
		return nil
	}
	key := c.key(sessionID)
	now := float64(c.now().UnixMilli())
	members := make([]redis.Z, len(itemIDs))
	for i, id := range itemIDs {
		members[i] = redis.Z{Score: now, Member: id}
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, members...)
		pipe.PExpire(ctx, key, c.opts.TTL)
		return nil
	})
	return breaker.Classify(core.ModuleSession, err)
}

var _ core.SessionCache = (*RedisCache)(nil)
