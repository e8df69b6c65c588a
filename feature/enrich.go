package feature

import (
	"context"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// EnrichNode 把外部物品特征注入候选（Candidate.Features），供排序模型使用。
//
// 特征获取有独立的超时；超时或失败时候选原样通过，只记录日志与指标，
// 排序退化为只使用物品自带特征。
type EnrichNode struct {
	Source  ItemFeatureSource
	Timeout time.Duration

	// Prefix 注入特征名的前缀，默认无前缀
	Prefix string

	// Transforms 按原始特征名变换取值，未列出的特征原样注入
	Transforms map[string]Transform
}

func (n *EnrichNode) Name() string { return "feature.enrich" }

func (n *EnrichNode) Kind() pipeline.Kind { return pipeline.KindFeature }

func (n *EnrichNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	cands []*core.Candidate,
) ([]*core.Candidate, error) {
	if len(cands) == 0 || n.Source == nil {
		return cands, nil
	}

	fetchCtx := ctx
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	features, err := n.Source.ItemFeatures(fetchCtx, core.IDs(cands))
	if err != nil {
		reason := "error"
		if core.IsTimeout(err) {
			reason = "timeout"
		}
		metrics.RetrievalSoftFail.WithLabelValues(n.Name(), reason).Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("component", "feature").Str("user", rctx.UserID).Msg("item features unavailable, continuing without them")
	}

	for _, c := range cands {
		for k, v := range features[c.ID()] {
			if t, ok := n.Transforms[k]; ok {
				v = t.Apply(v)
			}
			c.SetFeature(n.Prefix+k, v)
		}
	}
	return cands, nil
}
