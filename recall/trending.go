package recall

import (
	"context"
	"fmt"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
)

// DefaultTrendingKey 是热门榜单有序集合的 key，由反馈处理根据正向交互累加。
const DefaultTrendingKey = "trending:items"

// Trending 是热门召回源，冷启动用户的兜底候选集。
//   - Store 非空时从有序集合 Key 读取 TopN（分数降序）
//   - 榜单为空或读取失败时使用配置的 IDs
//
// 所有 ID 都通过索引解析为物品，索引中已不存在的 ID 直接丢弃。
// Trending 同时实现了 Source 和 Node 接口，可以直接放进 Pipeline。
type Trending struct {
	Index core.EmbeddingIndex
	Store core.KeyValueStore
	Key   string
	IDs   []string
	Limit int
}

func (r *Trending) Name() string        { return "trending" }
func (r *Trending) Kind() pipeline.Kind { return pipeline.KindRecall }

// Process 实现 Node 接口，直接调用 Recall
func (r *Trending) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	_ []*core.Candidate,
) ([]*core.Candidate, error) {
	return r.Recall(ctx, rctx)
}

func (r *Trending) limit() int {
	if r.Limit <= 0 {
		return 100
	}
	return r.Limit
}

// Recall 实现 Source 接口
func (r *Trending) Recall(ctx context.Context, _ *core.RecommendContext) ([]*core.Candidate, error) {
	if r.Index == nil {
		return nil, nil
	}
	ids := r.trendingIDs(ctx)
	if len(ids) == 0 {
		ids = r.IDs
	}
	if len(ids) > r.limit() {
		ids = ids[:r.limit()]
	}

	out := make([]*core.Candidate, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		item, err := r.Index.Get(ctx, id)
		if err != nil {
			if !core.IsNotFound(err) {
				logging.Ctx(ctx).Debug().Err(err).Str("item", id).Msg("trending item lookup failed")
			}
			continue
		}
		out = append(out, core.NewCandidate(item, 0))
	}
	return out, nil
}

func (r *Trending) trendingIDs(ctx context.Context) []string {
	if r.Store == nil {
		return nil
	}
	key := r.Key
	if key == "" {
		key = DefaultTrendingKey
	}
	members, err := r.Store.ZRange(ctx, key, 0, int64(r.limit()-1))
	if err != nil {
		if !core.IsNotFound(err) {
			logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("read trending list failed, using configured ids")
		}
		return nil
	}
	return members
}

// TrendingDecay 定期把热门榜单分数乘以 Factor，使榜单反映近期热度；
// 衰减后低于 Floor 的物品移出榜单。
type TrendingDecay struct {
	Store    core.KeyValueStore
	Key      string
	Factor   float64
	Floor    float64
	Interval time.Duration
}

// Step 执行一次衰减。
func (d *TrendingDecay) Step(ctx context.Context) error {
	key := d.Key
	if key == "" {
		key = DefaultTrendingKey
	}
	if err := d.Store.ZScale(ctx, key, d.Factor, d.Floor); err != nil {
		return fmt.Errorf("recall: decay %s: %w", key, err)
	}
	return nil
}

// Run 按 Interval 周期执行，直到 ctx 取消。单次失败只记日志。
func (d *TrendingDecay) Run(ctx context.Context) error {
	if d.Store == nil || d.Interval <= 0 || d.Factor <= 0 || d.Factor >= 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	log := logging.Component("trending")
	t := time.NewTicker(d.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := d.Step(ctx); err != nil {
				log.Warn().Err(err).Msg("trending decay failed")
			}
		}
	}
}
