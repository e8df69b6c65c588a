package pipeline

import (
	"context"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// MetricsHook 记录每个 Node 的耗时，并在 debug 级别输出候选数量变化。
type MetricsHook struct{}

func (MetricsHook) AfterNode(ctx context.Context, rctx *core.RecommendContext, node Node, in, out int, elapsed time.Duration, err error) {
	metrics.NodeLatency.WithLabelValues(node.Name(), string(node.Kind())).Observe(elapsed.Seconds())
	ev := logging.Ctx(ctx).Debug()
	if err != nil {
		ev = logging.Ctx(ctx).Warn().Err(err)
	}
	ev.Str("node", node.Name()).
		Str("user", rctx.UserID).
		Int("in", in).
		Int("out", out).
		Dur("elapsed", elapsed).
		Msg("pipeline node")
}
