package core

import (
	"math"
	"sort"
	"time"
)

// ProfileState 是用户画像的生命周期状态。
//
//	ColdStart --(首次交互)--> Warm --(持续交互)--> Warm
//
// 没有终态；只有显式重置（注销/隐私重置）才会回到 ColdStart。
type ProfileState string

const (
	StateColdStart ProfileState = "cold_start"
	StateWarm      ProfileState = "warm"
)

// OtherAffinity 是亲和度映射中的保留 key，承接负反馈从具体类目上移走的权重，
// 使负反馈在归一化之后仍能严格降低该类目的占比。
const OtherAffinity = "_other"

// ColdAffinityPrior 是空亲和度映射（冷启动或刚重置）下每个类目读到的均匀先验：
// 质量在该类目与 _other 之间平分。首个正反馈把它推到 1，首个负反馈推到 0。
const ColdAffinityPrior = 0.5

// UserProfile 是用户画像的核心抽象。
//
// 一句话定义：用户画像 = 召回的查询向量 + 排序的亲和度信号 + 探索统计
//
// 约定：
//   - 只由 Feedback Ingestor 修改，由召回与排序读取
//   - 存储层返回的画像视为不可变快照，修改必须先 Clone
//   - Affinity 非空时权重之和为 1；为空表示初始的均匀先验
type UserProfile struct {
	UserID string       `json:"user_id"`
	State  ProfileState `json:"state"`

	// QueryVector 由反馈增量维护，召回阶段直接作为查询向量
	QueryVector []float64 `json:"query_vector,omitempty"`

	// Affinity 是衰减后的类目亲和度，key: category，value: 归一化权重
	Affinity map[string]float64 `json:"affinity,omitempty"`

	// 探索统计
	Impressions            int64 `json:"impressions"`
	ExplorationImpressions int64 `json:"exploration_impressions"`
	Interactions           int64 `json:"interactions"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewUserProfile 创建一个冷启动画像。
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:   userID,
		State:    StateColdStart,
		Affinity: make(map[string]float64),
	}
}

// Clone 深拷贝画像。
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	out := *p
	if p.QueryVector != nil {
		out.QueryVector = append([]float64(nil), p.QueryVector...)
	}
	out.Affinity = make(map[string]float64, len(p.Affinity))
	for k, v := range p.Affinity {
		out.Affinity[k] = v
	}
	return &out
}

// IsWarm 是否已经有过交互。
func (p *UserProfile) IsWarm() bool {
	return p != nil && p.State == StateWarm
}

// AffinityWeight 获取类目亲和度；空映射返回 ColdAffinityPrior，nil 画像返回 0。
func (p *UserProfile) AffinityWeight(category string) float64 {
	if p == nil {
		return 0
	}
	if len(p.Affinity) == 0 {
		return ColdAffinityPrior
	}
	return p.Affinity[category]
}

// CategoryAffinity 返回物品各类目中最大的亲和度。
func (p *UserProfile) CategoryAffinity(categories []string) float64 {
	best := 0.0
	for _, c := range categories {
		if w := p.AffinityWeight(c); w > best {
			best = w
		}
	}
	return best
}

// AffinityEntry 是 TopAffinities 的返回元素。
type AffinityEntry struct {
	Category string  `json:"category"`
	Weight   float64 `json:"weight"`
}

// TopAffinities 返回权重最高的 k 个类目（不含 _other），权重降序，平局按类目名。
func (p *UserProfile) TopAffinities(k int) []AffinityEntry {
	if p == nil {
		return nil
	}
	out := make([]AffinityEntry, 0, len(p.Affinity))
	for c, w := range p.Affinity {
		if c == OtherAffinity {
			continue
		}
		out = append(out, AffinityEntry{Category: c, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Category < out[j].Category
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// AffinitySum 返回亲和度权重之和（用于不变量校验）。
func (p *UserProfile) AffinitySum() float64 {
	var sum float64
	for _, w := range p.Affinity {
		sum += w
	}
	return sum
}

// ExplorationRate 返回该用户的有效探索率（探索曝光 / 总曝光）。
func (p *UserProfile) ExplorationRate() float64 {
	if p == nil || p.Impressions == 0 {
		return 0
	}
	return float64(p.ExplorationImpressions) / float64(p.Impressions)
}

// Features 导出用户侧特征，供打分模型使用。
func (p *UserProfile) Features() map[string]float64 {
	if p == nil {
		return map[string]float64{"warm": 0}
	}
	f := map[string]float64{
		"interactions":     float64(p.Interactions),
		"impressions":      float64(p.Impressions),
		"exploration_rate": p.ExplorationRate(),
		"warm":             0,
	}
	if p.IsWarm() {
		f["warm"] = 1
	}
	return f
}

// ResetTo 把画像重置为冷启动：清空亲和度、查询向量与探索计数。
func (p *UserProfile) ResetTo(now time.Time) {
	p.State = StateColdStart
	p.QueryVector = nil
	p.Affinity = make(map[string]float64)
	p.Impressions = 0
	p.ExplorationImpressions = 0
	p.Interactions = 0
	p.UpdatedAt = now
}

// Normalize 把向量归一化为单位长度；零向量返回 nil。
func Normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
