package filter

import (
	"context"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// FilterNode 组合多个 Filter，任一返回 true 即移除候选。
// 单个候选上的判断错误只跳过该次判断；Prepare 失败则整个 Filter 在本次请求中失效，
// 请求被标记为降级。
type FilterNode struct {
	Filters []Filter
}

func (n *FilterNode) Name() string        { return "filter" }
func (n *FilterNode) Kind() pipeline.Kind { return pipeline.KindFilter }

func (n *FilterNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	cands []*core.Candidate,
) ([]*core.Candidate, error) {
	if len(n.Filters) == 0 || len(cands) == 0 {
		return cands, nil
	}

	active := make([]Filter, 0, len(n.Filters))
	for _, f := range n.Filters {
		if p, ok := f.(Preparer); ok {
			if err := p.Prepare(ctx, rctx); err != nil {
				metrics.RetrievalSoftFail.WithLabelValues(f.Name(), "prepare").Inc()
				logging.Ctx(ctx).Warn().Err(err).Str("filter", f.Name()).Msg("filter disabled for request")
				rctx.MarkDegraded(f.Name())
				continue
			}
		}
		active = append(active, f)
	}

	out := make([]*core.Candidate, 0, len(cands))
	for _, c := range cands {
		if c == nil || c.Item == nil {
			continue
		}
		if !n.drop(ctx, rctx, active, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (n *FilterNode) drop(ctx context.Context, rctx *core.RecommendContext, filters []Filter, c *core.Candidate) bool {
	for _, f := range filters {
		ok, err := f.ShouldFilter(ctx, rctx, c)
		if err != nil {
			logging.Ctx(ctx).Debug().Err(err).Str("filter", f.Name()).Str("item", c.ID()).Msg("filter skipped")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
