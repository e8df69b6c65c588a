package core

import "github.com/rushteam/rslash/pkg/utils"

// Candidate 是推荐链路中的统一承载结构：物品引用、召回相似度、排序分数、探索标记、标签。
// 只在一次请求内存在；Labels 用于解释与策略驱动，Score 用于排序决策。
type Candidate struct {
	Item        *Item
	Similarity  float64
	Score       float64
	Exploration bool

	// Features 是本次请求计算出的物品侧特征（相似度、新鲜度、亲和度、外部特征等）
	Features map[string]float64
	Labels   map[string]utils.Label
}

func NewCandidate(item *Item, similarity float64) *Candidate {
	return &Candidate{
		Item:       item,
		Similarity: similarity,
		Features:   make(map[string]float64),
		Labels:     make(map[string]utils.Label),
	}
}

// ID 返回物品 ID。
func (c *Candidate) ID() string {
	if c == nil || c.Item == nil {
		return ""
	}
	return c.Item.ID
}

// PutLabel 写入 Label；若已存在同名 key，则按默认 Merge 规则累积。
func (c *Candidate) PutLabel(key string, lbl utils.Label) {
	if c.Labels == nil {
		c.Labels = make(map[string]utils.Label)
	}
	if old, ok := c.Labels[key]; ok {
		c.Labels[key] = utils.MergeLabel(old, lbl)
		return
	}
	c.Labels[key] = lbl
}

// SetFeature 写入请求级物品特征。
func (c *Candidate) SetFeature(key string, v float64) {
	if c.Features == nil {
		c.Features = make(map[string]float64)
	}
	c.Features[key] = v
}

// IDs 提取候选的物品 ID 列表，保持顺序。
func IDs(cands []*Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if c != nil && c.Item != nil {
			out = append(out, c.Item.ID)
		}
	}
	return out
}
