// Package rank 实现排序阶段：相关性、新鲜度混合打分，贪心多样性选择与可复现的探索位。
package rank

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/model"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
	"github.com/rushteam/rslash/pkg/utils"
)

// 写入候选的标签
const (
	LabelModel       = "rank_model"
	LabelExploration = "exploration"
)

// Blend 是排序 Node：
//
//	base     = RelevanceWeight·relevance + FreshnessWeight·freshness
//	adjusted = base − DiversityWeight·max(已选中同类目条数)
//
// 逐位贪心选择 adjusted 最高的候选（不是一次全局排序）。
// 每一位以 ExplorationRate 的概率改为从尾部（按 base 排名在 N 之后的候选）均匀抽取，
// 随机数由 rctx.Seed 决定，同一请求可复现。尾部为空时该位正常选择。
// 平局依次按分数、创建时间（新者优先）、ID 升序决定。
type Blend struct {
	Model model.Provider

	RelevanceWeight   float64
	FreshnessWeight   float64
	DiversityWeight   float64
	FreshnessHalfLife time.Duration

	// MaxPerCategory 为每个类目的条数上限，0 表示不限；只有在没有其它候选时才放宽
	MaxPerCategory int

	ExplorationRate float64
}

func (n *Blend) Name() string        { return "rank.blend" }
func (n *Blend) Kind() pipeline.Kind { return pipeline.KindRank }

type scored struct {
	c    *core.Candidate
	base float64
}

func (n *Blend) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	cands []*core.Candidate,
) ([]*core.Candidate, error) {
	pool := n.score(ctx, rctx, dedup(cands))
	if len(pool) == 0 {
		return nil, nil
	}

	sort.Slice(pool, func(i, j int) bool { return better(pool[i].base, pool[i].c, pool[j].base, pool[j].c) })

	want := rctx.Want()
	if want > len(pool) {
		want = len(pool)
	}
	rng := rand.New(rand.NewSource(rctx.Seed))

	chosen := make([]bool, len(pool))
	counts := make(map[string]int)
	out := make([]*core.Candidate, 0, want)

	for slot := 0; slot < want; slot++ {
		// 每一位都抽一次随机数，保证各位的决定互不影响
		explore := rng.Float64() < n.ExplorationRate

		pick := -1
		if explore {
			pick = pickTail(rng, chosen, want)
		}
		if pick >= 0 {
			pool[pick].c.Exploration = true
			pool[pick].c.PutLabel(LabelExploration, utils.Label{Value: "tail", Source: "rank"})
			pool[pick].c.Score = pool[pick].base - n.penalty(counts, pool[pick].c)
			metrics.ExplorationSlots.WithLabelValues("explore").Inc()
		} else {
			pick = n.pickBest(pool, chosen, counts)
			metrics.ExplorationSlots.WithLabelValues("exploit").Inc()
		}

		chosen[pick] = true
		for _, cat := range pool[pick].c.Item.Categories {
			counts[cat]++
		}
		out = append(out, pool[pick].c)
	}
	return out, nil
}

// score 计算每个候选的特征与 base 分，打分失败的候选被跳过。
func (n *Blend) score(ctx context.Context, rctx *core.RecommendContext, cands []*core.Candidate) []scored {
	if len(cands) == 0 {
		return nil
	}
	var scorer model.Scorer
	if n.Model != nil {
		scorer = n.Model.Current()
	}
	if scorer == nil {
		scorer = model.DefaultScorer()
	}

	now := rctx.Clock()
	user := rctx.User.Features()
	items := make([]map[string]float64, len(cands))
	for i, c := range cands {
		c.SetFeature("similarity", c.Similarity)
		c.SetFeature("freshness", c.Item.Freshness(now, n.FreshnessHalfLife))
		c.SetFeature("category_affinity", rctx.User.CategoryAffinity(c.Item.Categories))
		f := make(map[string]float64, len(c.Item.Features)+len(c.Features))
		for k, v := range c.Item.Features {
			f[k] = v
		}
		for k, v := range c.Features {
			f[k] = v
		}
		items[i] = f
	}

	relevance := n.relevance(ctx, scorer, user, items)
	modelLabel := utils.Label{Value: scorer.Name() + "@" + scorer.Version(), Source: "rank"}

	out := make([]scored, 0, len(cands))
	for i, c := range cands {
		rel, err := relevance(i)
		if err != nil {
			metrics.ScorerErrors.Inc()
			logging.Ctx(ctx).Debug().Err(err).Str("item", c.ID()).Msg("scorer failed, candidate skipped")
			continue
		}
		base := n.RelevanceWeight*rel + n.FreshnessWeight*c.Features["freshness"]
		c.Score = base
		c.PutLabel(LabelModel, modelLabel)
		out = append(out, scored{c: c, base: base})
	}
	return out
}

// relevance 返回按下标取相关性分的函数；支持批量的模型一次调用完成，
// 批量调用整体失败时退回逐条打分，单条失败只影响该候选。
func (n *Blend) relevance(ctx context.Context, scorer model.Scorer, user map[string]float64, items []map[string]float64) func(i int) (float64, error) {
	if bs, ok := scorer.(model.BatchScorer); ok {
		scores, err := bs.ScoreBatch(ctx, user, items)
		if err == nil && len(scores) == len(items) {
			return func(i int) (float64, error) { return scores[i], nil }
		}
		logging.Ctx(ctx).Warn().Err(err).Str("scorer", scorer.Name()).Msg("batch scoring failed, scoring one by one")
	}
	return func(i int) (float64, error) { return scorer.Score(ctx, user, items[i]) }
}

func (n *Blend) penalty(counts map[string]int, c *core.Candidate) float64 {
	if n.DiversityWeight == 0 {
		return 0
	}
	return n.DiversityWeight * float64(maxCount(counts, c.Item.Categories))
}

// pickBest 选出 adjusted 最高的未选候选；类目上限只在还有其它候选时生效。
func (n *Blend) pickBest(pool []scored, chosen []bool, counts map[string]int) int {
	best, bestCapped := -1, -1
	var bestScore, bestCappedScore float64
	for i, s := range pool {
		if chosen[i] {
			continue
		}
		adj := s.base - n.penalty(counts, s.c)
		if n.MaxPerCategory > 0 && maxCount(counts, s.c.Item.Categories) >= n.MaxPerCategory {
			if bestCapped < 0 || better(adj, s.c, bestCappedScore, pool[bestCapped].c) {
				bestCapped, bestCappedScore = i, adj
			}
			continue
		}
		if best < 0 || better(adj, s.c, bestScore, pool[best].c) {
			best, bestScore = i, adj
		}
	}
	if best < 0 {
		best, bestScore = bestCapped, bestCappedScore
	}
	pool[best].c.Score = bestScore
	return best
}

// pickTail 从按 base 排名在 want 之后、尚未选中的候选中均匀抽取一个，没有时返回 -1。
func pickTail(rng *rand.Rand, chosen []bool, want int) int {
	var tail []int
	for i := want; i < len(chosen); i++ {
		if !chosen[i] {
			tail = append(tail, i)
		}
	}
	if len(tail) == 0 {
		return -1
	}
	return tail[rng.Intn(len(tail))]
}

func maxCount(counts map[string]int, categories []string) int {
	m := 0
	for _, c := range categories {
		if counts[c] > m {
			m = counts[c]
		}
	}
	return m
}

func better(sa float64, a *core.Candidate, sb float64, b *core.Candidate) bool {
	if sa != sb {
		return sa > sb
	}
	return core.Newer(a.Item, b.Item)
}

func dedup(cands []*core.Candidate) []*core.Candidate {
	seen := make(map[string]bool, len(cands))
	out := make([]*core.Candidate, 0, len(cands))
	for _, c := range cands {
		if c == nil || c.Item == nil || seen[c.ID()] {
			continue
		}
		seen[c.ID()] = true
		out = append(out, c)
	}
	return out
}
