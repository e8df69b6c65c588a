package filter

import (
	"context"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/dsl"
)

// ExprFilter 用 CEL 表达式过滤候选，表达式为 true 时移除。
// 用于内容审核与准入规则，例如 `"nsfw" in item.categories`。
type ExprFilter struct {
	prg *dsl.Program
}

// NewExprFilter 编译表达式，编译失败直接返回错误。
func NewExprFilter(expr string) (*ExprFilter, error) {
	prg, err := dsl.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &ExprFilter{prg: prg}, nil
}

func (f *ExprFilter) Name() string { return "filter.expr" }

// Expr 返回表达式原文
func (f *ExprFilter) Expr() string { return f.prg.String() }

func (f *ExprFilter) ShouldFilter(_ context.Context, rctx *core.RecommendContext, cand *core.Candidate) (bool, error) {
	return f.prg.Eval(cand, rctx)
}
