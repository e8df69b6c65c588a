// Package filter 提供过滤阶段的 Node：会话去重、规则表达式、黑名单。
package filter

import (
	"context"

	"github.com/rushteam/rslash/core"
)

// Filter 判断一个候选是否应被移除，返回 true 表示移除。
type Filter interface {
	Name() string

	ShouldFilter(ctx context.Context, rctx *core.RecommendContext, cand *core.Candidate) (bool, error)
}

// Preparer 由需要按请求加载外部数据的 Filter 实现（如黑名单），
// FilterNode 在逐个判断候选之前调用一次。Prepare 失败时该 Filter 在本次请求中被跳过。
type Preparer interface {
	Prepare(ctx context.Context, rctx *core.RecommendContext) error
}
