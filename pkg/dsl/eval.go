// Package dsl 是候选规则表达式解释器，基于 CEL (Common Expression Language)。
//
// 表达式可访问两个变量：
//
//	item: {id, similarity, score, categories, features, labels, age_hours, exploration}
//	user: {id, state, warm, affinity, interactions}
//
// 示例：
//   - `"nsfw" in item.categories`
//   - `has(item.features.quality) && item.features.quality < 0.2`
//   - `item.age_hours > 168.0 && user.warm`
//   - `item.labels.recall_source == "trending"`
//
// 访问 map 中不存在的 key 会返回错误，存在性检查请用 has()。
package dsl

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rushteam/rslash/core"
)

var (
	// celEnv 是全局 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("item", cel.DynType),
			cel.Variable("user", cel.DynType),
		)
	})
	return celEnv, celEnvErr
}

// Program 是编译后的表达式，并发安全，可重复求值。
type Program struct {
	expr string
	prg  cel.Program
}

// Compile 编译表达式。表达式的结果类型必须是 bool。
func Compile(expr string) (*Program, error) {
	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("dsl: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("dsl: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("dsl: expression %q must return bool, got %s", expr, t)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dsl: program %q: %w", expr, err)
	}
	return &Program{expr: expr, prg: prg}, nil
}

// String 返回原始表达式
func (p *Program) String() string { return p.expr }

// Eval 对候选求值。
func (p *Program) Eval(c *core.Candidate, rctx *core.RecommendContext) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"item": ItemVars(c, rctx.Clock()),
		"user": UserVars(rctx),
	})
	if err != nil {
		return false, fmt.Errorf("dsl: eval %q: %w", p.expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dsl: expression %q returned %T, want bool", p.expr, out.Value())
	}
	return result, nil
}

// ItemVars 构建 item 变量。features 合并物品静态特征与请求级特征（后者覆盖前者）。
func ItemVars(c *core.Candidate, now time.Time) map[string]any {
	features := make(map[string]any)
	vars := map[string]any{
		"id":          c.ID(),
		"similarity":  c.Similarity,
		"score":       c.Score,
		"exploration": c.Exploration,
		"features":    features,
	}
	labels := make(map[string]any, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v.Value
	}
	vars["labels"] = labels

	categories := []string{}
	if it := c.Item; it != nil {
		categories = append(categories, it.Categories...)
		for k, v := range it.Features {
			features[k] = v
		}
		vars["age_hours"] = it.AgeHours(now)
	} else {
		vars["age_hours"] = 0.0
	}
	for k, v := range c.Features {
		features[k] = v
	}
	vars["categories"] = categories
	return vars
}

// UserVars 构建 user 变量；没有画像时为冷启动的空画像。
func UserVars(rctx *core.RecommendContext) map[string]any {
	vars := map[string]any{
		"id":           "",
		"state":        string(core.StateColdStart),
		"warm":         false,
		"interactions": int64(0),
	}
	affinity := make(map[string]any)
	vars["affinity"] = affinity
	if rctx == nil {
		return vars
	}
	vars["id"] = rctx.UserID
	if p := rctx.User; p != nil {
		vars["state"] = string(p.State)
		vars["warm"] = p.IsWarm()
		vars["interactions"] = p.Interactions
		for k, v := range p.Affinity {
			affinity[k] = v
		}
	}
	return vars
}
