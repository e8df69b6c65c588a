// Package recall 实现召回阶段：向量召回（ANN）、热门召回（冷启动）、多路并发合并与兜底补全。
//
// 召回失败永远是软失败：超时或依赖异常只会让该路召回返回空池，不会让整个请求失败。
// 依赖在重试后仍不可用时，通过 rctx.MarkDegraded 上报，由服务层决定是否返回 503。
package recall

import (
	"context"

	"github.com/rushteam/rslash/core"
)

// Source 表示一个可复用的召回源（ANN/热门/...）。
// 可以理解为“可并发 fan-out 的策略单元”。
type Source interface {
	Name() string
	Recall(ctx context.Context, rctx *core.RecommendContext) ([]*core.Candidate, error)
}

// LabelSource 是召回来源标签
const LabelSource = "recall_source"
