package core

import (
	"math"
	"time"
)

// DefaultFreshnessHalfLife 是新鲜度衰减的默认半衰期。
const DefaultFreshnessHalfLife = 24 * time.Hour

// Item 是内容库中的一条短内容：向量、创建时间、类目、静态特征。
// Item 一旦写入索引即不可变；上游重新生成向量时整体替换。
type Item struct {
	ID         string             `json:"id"`
	Embedding  []float64          `json:"embedding"`
	CreatedAt  time.Time          `json:"created_at"`
	Categories []string           `json:"categories,omitempty"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// Clone 深拷贝，索引边界使用，保证外部修改不影响已写入的物品。
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := &Item{
		ID:        it.ID,
		CreatedAt: it.CreatedAt,
	}
	if it.Embedding != nil {
		out.Embedding = append([]float64(nil), it.Embedding...)
	}
	if it.Categories != nil {
		out.Categories = append([]string(nil), it.Categories...)
	}
	if it.Features != nil {
		out.Features = make(map[string]float64, len(it.Features))
		for k, v := range it.Features {
			out.Features[k] = v
		}
	}
	return out
}

// Freshness 返回随年龄单调衰减的新鲜度，范围 [0, 1]：2^(-age/halfLife)。
// 未来时间戳按 age=0 处理。
func (it *Item) Freshness(now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = DefaultFreshnessHalfLife
	}
	age := now.Sub(it.CreatedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// AgeHours 返回物品年龄（小时），未来时间戳返回 0。
func (it *Item) AgeHours(now time.Time) float64 {
	age := now.Sub(it.CreatedAt)
	if age <= 0 {
		return 0
	}
	return age.Hours()
}

// HasCategory 判断物品是否属于某个类目。
func (it *Item) HasCategory(category string) bool {
	for _, c := range it.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Newer 是全链路统一的平局规则：更新的物品优先，其次 ID 字典序更小者优先。
func Newer(a, b *Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
