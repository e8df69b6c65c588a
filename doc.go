// Package rslash 是短内容实时推荐服务。
//
// 一次 /feed 请求沿 pipeline 依次经过：
//
//	recall（向量近邻 + 热门兜底）→ filter（会话去重、规则）→ feature（外部特征）→ rank（相关度、新鲜度、多样性、探索）
//
// /feedback 事件异步写入画像与热门榜单，下一次请求即可生效。
// 子包按职责划分：vector 索引、feature 画像、session 会话、feedback 反馈、
// model 打分模型、api 与 server 为 HTTP 外层。
package rslash

import "github.com/rushteam/rslash/pipeline"

// 常用抽象的别名，便于直接 import "rslash"。
type (
	Pipeline = pipeline.Pipeline
	Node     = pipeline.Node
	Kind     = pipeline.Kind
)

const (
	KindRecall  = pipeline.KindRecall
	KindFilter  = pipeline.KindFilter
	KindFeature = pipeline.KindFeature
	KindRank    = pipeline.KindRank
)
