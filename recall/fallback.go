package recall

import (
	"context"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/utils"
)

// Fallback 在召回池不足 N 条时，用兜底召回源（通常是热门）补齐。
// 已在池中的物品不会重复加入；冷启动用户的整个池都来自这里。
type Fallback struct {
	Source Source
}

func (n *Fallback) Name() string        { return "recall.fallback" }
func (n *Fallback) Kind() pipeline.Kind { return pipeline.KindRecall }

func (n *Fallback) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	cands []*core.Candidate,
) ([]*core.Candidate, error) {
	if n.Source == nil || len(cands) >= rctx.Want() {
		return cands, nil
	}
	extra, err := n.Source.Recall(ctx, rctx)
	if err != nil {
		if core.IsUnavailable(err) {
			rctx.MarkDegraded(n.Source.Name())
		}
		logging.Ctx(ctx).Warn().Err(err).Str("source", n.Source.Name()).Msg("fallback source failed")
		return cands, nil
	}

	present := make(map[string]bool, len(cands))
	for _, c := range cands {
		present[c.ID()] = true
	}
	out := cands
	for _, c := range extra {
		if c == nil || c.Item == nil || present[c.ID()] {
			continue
		}
		present[c.ID()] = true
		c.PutLabel(LabelSource, utils.Label{Value: n.Source.Name(), Source: "fallback"})
		out = append(out, c)
	}
	return out, nil
}
