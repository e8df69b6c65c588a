package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rushteam/rslash/core"
)

// Hook 在每个 Node 执行后被调用，用于观测（耗时、候选数量变化）。
type Hook interface {
	AfterNode(ctx context.Context, rctx *core.RecommendContext, node Node, in, out int, elapsed time.Duration, err error)
}

// Pipeline 是一次 /feed 请求经过的 Node 链：recall -> filter -> feature -> rank。
type Pipeline struct {
	Name  string
	Nodes []Node
	Hooks []Hook
}

// Validate 检查阶段顺序：每个 Node 的阶段不得早于前一个。
func (p *Pipeline) Validate() error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("pipeline %s: no nodes", p.Name)
	}
	last := 0
	for i, n := range p.Nodes {
		s := n.Kind().Stage()
		if s < 0 {
			return fmt.Errorf("pipeline %s: node %d (%s): unknown kind %q", p.Name, i, n.Name(), n.Kind())
		}
		if s < last {
			return fmt.Errorf("pipeline %s: node %d (%s): %s stage after a later stage", p.Name, i, n.Name(), n.Kind())
		}
		last = s
	}
	return nil
}

// Run 依次执行 Node。ctx 取消时立即返回；Node 错误带上 Node 名称后原样上抛，
// 调用方可继续用 core.IsXXX 判断错误类别。
func (p *Pipeline) Run(
	ctx context.Context,
	rctx *core.RecommendContext,
	cands []*core.Candidate,
) ([]*core.Candidate, error) {
	cur := cands
	for _, node := range p.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		next, err := node.Process(ctx, rctx, cur)
		for _, h := range p.Hooks {
			h.AfterNode(ctx, rctx, node, len(cur), len(next), time.Since(start), err)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node.Name(), err)
		}
		cur = next
	}
	return cur, nil
}
