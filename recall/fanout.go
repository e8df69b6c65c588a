package recall

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
	"github.com/rushteam/rslash/pkg/utils"
)

// 合并策略
const (
	MergePriority = "priority" // 按 Sources 顺序拼接，重复 ID 保留优先级高的一份（默认）
	MergeFirst    = "first"    // 只取第一个返回非空结果的召回源
	MergeUnion    = "union"    // 全部合并，重复 ID 保留相似度最高的一份，按相似度排序
)

// Fanout 是一个 Recall Node：并发执行多个召回源，并合并结果。
// 支持超时、并发上限、合并策略。单个召回源失败不影响其它召回源。
type Fanout struct {
	Sources       []Source
	Timeout       time.Duration // 每个召回源的超时时间
	MaxConcurrent int           // 最大并发数（0 表示无限制）
	MergeStrategy string
}

func (n *Fanout) Name() string        { return "recall.fanout" }
func (n *Fanout) Kind() pipeline.Kind { return pipeline.KindRecall }

func (n *Fanout) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	_ []*core.Candidate,
) ([]*core.Candidate, error) {
	if len(n.Sources) == 0 {
		return nil, nil
	}

	// 每个召回源写自己的槽位，合并顺序与完成顺序无关
	results := make([][]*core.Candidate, len(n.Sources))
	var eg errgroup.Group
	if n.MaxConcurrent > 0 {
		eg.SetLimit(n.MaxConcurrent)
	}

	for i, src := range n.Sources {
		eg.Go(func() error {
			recallCtx := ctx
			if n.Timeout > 0 {
				var cancel context.CancelFunc
				recallCtx, cancel = context.WithTimeout(ctx, n.Timeout)
				defer cancel()
			}

			cands, err := src.Recall(recallCtx, rctx)
			if err != nil {
				n.softFail(ctx, rctx, src, err)
				return nil
			}
			for _, c := range cands {
				c.PutLabel(LabelSource, utils.Label{Value: src.Name(), Source: "recall"})
			}
			results[i] = cands
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch n.MergeStrategy {
	case MergeFirst:
		return mergeFirst(results), nil
	case MergeUnion:
		return mergeUnion(results), nil
	default:
		return mergeByPriority(results), nil
	}
}

func (n *Fanout) softFail(ctx context.Context, rctx *core.RecommendContext, src Source, err error) {
	reason := "error"
	switch {
	case core.IsTimeout(err):
		reason = "timeout"
	case core.IsUnavailable(err):
		reason = "unavailable"
		rctx.MarkDegraded(src.Name())
	}
	metrics.RetrievalSoftFail.WithLabelValues(src.Name(), reason).Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("source", src.Name()).Str("reason", reason).Msg("recall source failed")
}

func mergeFirst(results [][]*core.Candidate) []*core.Candidate {
	for _, r := range results {
		if len(r) > 0 {
			return dedup(r)
		}
	}
	return nil
}

// mergeByPriority 按优先级合并：相同 ID 时保留优先级更高的（索引更小），合并标签。
func mergeByPriority(results [][]*core.Candidate) []*core.Candidate {
	var all []*core.Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	return dedup(all)
}

// mergeUnion 相同 ID 保留相似度更高的一份，按相似度降序、ID 升序输出。
func mergeUnion(results [][]*core.Candidate) []*core.Candidate {
	seen := make(map[string]*core.Candidate)
	for _, r := range results {
		for _, c := range r {
			if c == nil || c.Item == nil {
				continue
			}
			old, ok := seen[c.ID()]
			if !ok {
				seen[c.ID()] = c
				continue
			}
			keep, drop := old, c
			if c.Similarity > old.Similarity {
				keep, drop = c, old
			}
			for k, v := range drop.Labels {
				keep.PutLabel(k, v)
			}
			seen[keep.ID()] = keep
		}
	}
	out := make([]*core.Candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// dedup 按 ID 去重，保留第一个出现的，后出现的标签合并进来。
func dedup(all []*core.Candidate) []*core.Candidate {
	seen := make(map[string]*core.Candidate, len(all))
	out := make([]*core.Candidate, 0, len(all))
	for _, c := range all {
		if c == nil || c.Item == nil {
			continue
		}
		if old, ok := seen[c.ID()]; ok {
			for k, v := range c.Labels {
				old.PutLabel(k, v)
			}
			continue
		}
		seen[c.ID()] = c
		out = append(out, c)
	}
	return out
}
