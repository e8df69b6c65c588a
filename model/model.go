// Package model 定义相关性打分模型（Scorer）及其版本化加载与热替换。
//
// 模型本身对服务是不透明的：f(userFeatures, itemFeatures) → ℝ。
// 训练方按版本产出模型文件，Registry 原子替换当前版本；
// 每个请求在开始时取一次 Current()，整个请求都用这一个版本，旧版本自然服务完在途请求。
package model

import "context"

// Scorer 是排序阶段的相关性打分抽象。
// 具体实现可以是本地模型（LR）或远程 RPC 模型服务。
type Scorer interface {
	Name() string
	Version() string

	// Score 返回一个可比较的相关性分数。
	// user 为用户侧特征，item 为物品侧特征（含请求级特征如 similarity）。
	Score(ctx context.Context, user, item map[string]float64) (float64, error)
}

// BatchScorer 是支持批量打分的 Scorer，远程模型用它减少往返。
// 返回的分数与 items 一一对应。
type BatchScorer interface {
	Scorer
	ScoreBatch(ctx context.Context, user map[string]float64, items []map[string]float64) ([]float64, error)
}

// Provider 提供当前版本的 Scorer。
type Provider interface {
	Current() Scorer
}

// UserFeaturePrefix 是用户侧特征在模型权重中的前缀，例如 user.interactions。
const UserFeaturePrefix = "user."
