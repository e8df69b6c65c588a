// Package session 实现会话去重层（core.SessionCache）：同一会话在窗口期内不重复下发同一物品。
//
// 窗口按物品计算：物品最后一次下发时间 + TTL 之前都算“已下发”。
// 过期条目在下次访问时惰性清理；MemoryCache 另提供后台清理用于限制内存。
//
// 耗尽策略：过滤会移除超过 ExhaustionRatio 比例的候选、且剩余不足下游期望条数时，
// 按最久未下发的顺序放回部分已下发物品，可用性优先于新颖性。
package session

import (
	"sort"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/metrics"
	"github.com/rushteam/rslash/pkg/utils"
)

// DefaultExhaustionRatio 默认耗尽阈值
const DefaultExhaustionRatio = 0.9

// LabelReadmit 被耗尽策略放回的候选带有该标签
const LabelReadmit = "session_readmit"

// Options 会话缓存参数
type Options struct {
	TTL             time.Duration `koanf:"ttl"`
	ExhaustionRatio float64       `koanf:"exhaustion_ratio"`
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.ExhaustionRatio <= 0 || o.ExhaustionRatio > 1 {
		o.ExhaustionRatio = DefaultExhaustionRatio
	}
	return o
}

// applyWindow 按 served（物品 -> 最后下发时间，只含窗口内的条目）过滤候选。
// 返回结果保持候选原有顺序。
func applyWindow(cands []*core.Candidate, served map[string]time.Time, want int, ratio float64) []*core.Candidate {
	if len(cands) == 0 || len(served) == 0 {
		return cands
	}

	type removedCand struct {
		c    *core.Candidate
		last time.Time
	}
	var removed []removedCand
	keep := make(map[*core.Candidate]bool, len(cands))
	for _, c := range cands {
		if last, ok := served[c.ID()]; ok {
			removed = append(removed, removedCand{c: c, last: last})
			continue
		}
		keep[c] = true
	}

	kept := len(keep)
	exhausted := float64(len(removed))/float64(len(cands)) > ratio && kept < want
	if exhausted {
		sort.Slice(removed, func(i, j int) bool {
			if !removed[i].last.Equal(removed[j].last) {
				return removed[i].last.Before(removed[j].last)
			}
			return removed[i].c.ID() < removed[j].c.ID()
		})
		n := want - kept
		if n > len(removed) {
			n = len(removed)
		}
		for _, r := range removed[:n] {
			r.c.PutLabel(LabelReadmit, utils.Label{Value: "1", Source: "session"})
			keep[r.c] = true
		}
		metrics.SessionReadmitted.Add(float64(n))
	}

	out := make([]*core.Candidate, 0, len(keep))
	for _, c := range cands {
		if keep[c] {
			out = append(out, c)
		}
	}
	return out
}
