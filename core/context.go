package core

import (
	"sort"
	"sync"
	"time"

	"github.com/rushteam/rslash/pkg/utils"
)

// RecommendContext 承载用户/会话/请求信息，贯穿整个 Pipeline 透传。
type RecommendContext struct {
	UserID    string
	SessionID string

	// N 是期望返回的条数
	N int

	// Seed 是本次请求的伪随机种子，探索位的选择由它决定，保证可复现
	Seed int64

	// Now 是请求时间，新鲜度等时间相关计算统一使用它
	Now time.Time

	// User 是用户画像快照；冷启动或加载失败时为 nil
	User *UserProfile

	// Labels 是请求级标签，可驱动整个 Pipeline 行为
	Labels map[string]utils.Label

	// Params 请求级参数
	Params map[string]any

	mu       sync.Mutex
	degraded map[string]struct{}
}

// PutLabel 写入请求级 Label。
func (rctx *RecommendContext) PutLabel(key string, lbl utils.Label) {
	rctx.mu.Lock()
	defer rctx.mu.Unlock()
	if rctx.Labels == nil {
		rctx.Labels = make(map[string]utils.Label)
	}
	if old, ok := rctx.Labels[key]; ok {
		rctx.Labels[key] = utils.MergeLabel(old, lbl)
		return
	}
	rctx.Labels[key] = lbl
}

// GetLabel 获取请求级 Label。
func (rctx *RecommendContext) GetLabel(key string) (utils.Label, bool) {
	rctx.mu.Lock()
	defer rctx.mu.Unlock()
	lbl, ok := rctx.Labels[key]
	return lbl, ok
}

// MarkDegraded 记录某个依赖在本次请求中不可用（重试后仍失败）。并发安全。
func (rctx *RecommendContext) MarkDegraded(component string) {
	rctx.mu.Lock()
	defer rctx.mu.Unlock()
	if rctx.degraded == nil {
		rctx.degraded = make(map[string]struct{})
	}
	rctx.degraded[component] = struct{}{}
}

// Degraded 返回本次请求中不可用的依赖列表（排序）。
func (rctx *RecommendContext) Degraded() []string {
	rctx.mu.Lock()
	defer rctx.mu.Unlock()
	out := make([]string, 0, len(rctx.degraded))
	for c := range rctx.degraded {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Want 返回期望条数，未设置时为 1。
func (rctx *RecommendContext) Want() int {
	if rctx == nil || rctx.N <= 0 {
		return 1
	}
	return rctx.N
}

// Clock 返回请求时间，未设置时取当前时间。
func (rctx *RecommendContext) Clock() time.Time {
	if rctx == nil || rctx.Now.IsZero() {
		return time.Now()
	}
	return rctx.Now
}
