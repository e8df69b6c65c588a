package filter

import (
	"context"
	"sync"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/logging"
)

// DefaultBlacklistRefresh 是外部黑名单的默认刷新间隔。
const DefaultBlacklistRefresh = 30 * time.Second

// BlacklistStore 读取外部黑名单（运营下架、版权投诉等）。
type BlacklistStore interface {
	Blacklist(ctx context.Context, key string) (map[string]struct{}, error)
}

// BlacklistFilter 移除黑名单中的物品。静态名单来自配置，外部名单按 Refresh 间隔重新加载；
// 加载失败时沿用上一次成功加载的名单。
type BlacklistFilter struct {
	static  map[string]struct{}
	store   BlacklistStore
	key     string
	refresh time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	loaded   map[string]struct{}
	loadedAt time.Time
}

// NewBlacklistFilter 创建黑名单过滤器，store 为 nil 或 key 为空时只使用静态名单。
func NewBlacklistFilter(itemIDs []string, store BlacklistStore, key string) *BlacklistFilter {
	f := &BlacklistFilter{
		static:  make(map[string]struct{}, len(itemIDs)),
		key:     key,
		refresh: DefaultBlacklistRefresh,
		now:     time.Now,
	}
	for _, id := range itemIDs {
		f.static[id] = struct{}{}
	}
	if key != "" {
		f.store = store
	}
	return f
}

// WithRefresh 设置外部名单刷新间隔，<=0 表示每个请求都重新加载。
func (f *BlacklistFilter) WithRefresh(d time.Duration) *BlacklistFilter {
	f.refresh = d
	return f
}

func (f *BlacklistFilter) Name() string { return "filter.blacklist" }

// Prepare 在名单过期时重新加载。名单不存在视为空名单；从未加载成功时只降级外部名单，
// 静态名单照常生效，下一个请求重试。
func (f *BlacklistFilter) Prepare(ctx context.Context, rctx *core.RecommendContext) error {
	if f.store == nil {
		return nil
	}
	now := f.now()
	f.mu.RLock()
	fresh := f.loaded != nil && f.refresh > 0 && now.Sub(f.loadedAt) < f.refresh
	f.mu.RUnlock()
	if fresh {
		return nil
	}

	ids, err := f.store.Blacklist(ctx, f.key)
	if core.IsNotFound(err) {
		ids, err = map[string]struct{}{}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		if f.loaded == nil {
			rctx.MarkDegraded(f.Name())
		}
		logging.Ctx(ctx).Warn().Err(err).Str("key", f.key).Bool("stale", f.loaded != nil).Msg("blacklist reload failed")
		return nil
	}
	f.loaded, f.loadedAt = ids, now
	return nil
}

func (f *BlacklistFilter) ShouldFilter(_ context.Context, _ *core.RecommendContext, cand *core.Candidate) (bool, error) {
	id := cand.ID()
	if _, ok := f.static[id]; ok {
		return true, nil
	}
	f.mu.RLock()
	_, ok := f.loaded[id]
	f.mu.RUnlock()
	return ok, nil
}
