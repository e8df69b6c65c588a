package pipeline

import (
	"context"

	"github.com/rushteam/rslash/core"
)

// Kind 是 Node 所属阶段。一条 Pipeline 中阶段只能前进不能回退。
type Kind string

const (
	KindRecall  Kind = "recall"  // 生成候选池：向量近邻、热门兜底
	KindFilter  Kind = "filter"  // 剔除候选：会话去重、黑名单、规则
	KindFeature Kind = "feature" // 补充物品特征，不增删候选
	KindRank    Kind = "rank"    // 打分、多样性、探索，输出最终顺序
)

var stageOrder = map[Kind]int{
	KindRecall:  0,
	KindFilter:  1,
	KindFeature: 2,
	KindRank:    3,
}

// Stage 返回阶段序号，未知阶段返回 -1。
func (k Kind) Stage() int {
	if s, ok := stageOrder[k]; ok {
		return s
	}
	return -1
}

// Node 是 Pipeline 的最小单元：输入候选，输出候选。
// 依赖不可用时 Node 应自行降级（rctx.MarkDegraded）并返回已有结果，
// 只有无法继续的错误才返回 error。
type Node interface {
	Name() string
	Kind() Kind

	Process(
		ctx context.Context,
		rctx *core.RecommendContext,
		cands []*core.Candidate,
	) ([]*core.Candidate, error)
}
