package feedback

import (
	"github.com/rushteam/rslash/core"
)

// LearningParams 是在线更新画像的参数。
type LearningParams struct {
	// AffinityDecay 是每次交互对已有亲和度的保留系数，1 表示不衰减
	AffinityDecay float64
	// AffinityRate 是新信号写入亲和度的步长 η
	AffinityRate float64
	// LearningRate 是查询向量向物品向量移动的步长 λ
	LearningRate float64
}

// applyAffinity 按交互信号更新类目亲和度（就地修改 p.Affinity）：
//
//	所有权重 ×= AffinityDecay
//	s > 0：w[c] += η·s/|C|
//	s < 0：r = min(w[c], η·|s|/|C|)，w[c] −= r，w[_other] += r
//	       画像为空（均匀先验）时 w[_other] += η·|s|
//	归一化使权重和为 1；和为 0 时回到空映射（均匀先验）。
func applyAffinity(p *core.UserProfile, categories []string, s float64, lp LearningParams) {
	if p.Affinity == nil {
		p.Affinity = make(map[string]float64)
	}
	cold := len(p.Affinity) == 0
	for c, w := range p.Affinity {
		p.Affinity[c] = w * lp.AffinityDecay
	}

	switch {
	case s > 0 && len(categories) > 0:
		step := lp.AffinityRate * s / float64(len(categories))
		for _, c := range categories {
			p.Affinity[c] += step
		}
	case s < 0 && cold:
		p.Affinity[core.OtherAffinity] += lp.AffinityRate * -s
	case s < 0 && len(categories) > 0:
		step := lp.AffinityRate * -s / float64(len(categories))
		for _, c := range categories {
			r := min(p.Affinity[c], step)
			if r <= 0 {
				continue
			}
			p.Affinity[c] -= r
			p.Affinity[core.OtherAffinity] += r
		}
	}

	var sum float64
	for c, w := range p.Affinity {
		if w <= 0 {
			delete(p.Affinity, c)
			continue
		}
		sum += w
	}
	if sum == 0 {
		p.Affinity = make(map[string]float64)
		return
	}
	for c, w := range p.Affinity {
		p.Affinity[c] = w / sum
	}
}

// applyQueryVector 把查询向量朝物品向量移动（正反馈）或远离（负反馈）：
//
//	s > 0：u = normalize((1 − λs)·u + λs·p)，u 为空时直接取 p
//	s < 0：u = normalize(u + ½λs·p)，u 为空时保持为空
func applyQueryVector(p *core.UserProfile, embedding []float64, s float64, lp LearningParams) {
	if s == 0 || len(embedding) == 0 {
		return
	}
	item := core.Normalize(embedding)
	if item == nil {
		return
	}
	u := p.QueryVector
	if s > 0 {
		// 维度变化（模型换代）时以新物品向量重新开始
		if len(u) == 0 || len(u) != len(item) {
			p.QueryVector = item
			return
		}
		k := lp.LearningRate * s
		next := make([]float64, len(u))
		for i := range u {
			next[i] = (1-k)*u[i] + k*item[i]
		}
		if v := core.Normalize(next); v != nil {
			p.QueryVector = v
		}
		return
	}
	if len(u) == 0 || len(u) != len(item) {
		return
	}
	k := 0.5 * lp.LearningRate * s
	next := make([]float64, len(u))
	for i := range u {
		next[i] = u[i] + k*item[i]
	}
	// 完全抵消时保留原向量
	if v := core.Normalize(next); v != nil {
		p.QueryVector = v
	}
}
