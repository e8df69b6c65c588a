package model

import (
	"sync"
	"sync/atomic"

	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

type slot struct{ s Scorer }

// Registry 持有当前版本的 Scorer，支持原子热替换。
type Registry struct {
	cur atomic.Pointer[slot]

	mu   sync.Mutex // 串行化 Load
	path string
}

// NewRegistry 以 initial 为当前版本；initial 为 nil 时使用 DefaultScorer。
func NewRegistry(initial Scorer) *Registry {
	if initial == nil {
		initial = DefaultScorer()
	}
	r := &Registry{}
	r.cur.Store(&slot{s: initial})
	return r
}

// Current 返回当前版本。
func (r *Registry) Current() Scorer {
	return r.cur.Load().s
}

// Swap 替换当前版本并返回旧版本。
func (r *Registry) Swap(s Scorer) Scorer {
	old := r.cur.Swap(&slot{s: s})
	metrics.ModelSwaps.WithLabelValues("ok").Inc()
	logging.Info().
		Str("component", "model").
		Str("scorer", s.Name()).
		Str("version", s.Version()).
		Str("previous", old.s.Version()).
		Msg("scorer swapped")
	return old.s
}

// Load 从模型文件加载新版本并替换；加载失败时保留当前版本。
// path 为空时重新加载上一次的路径。
func (r *Registry) Load(path string) (Scorer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path == "" {
		path = r.path
	}
	s, err := LoadArtifact(path)
	if err != nil {
		metrics.ModelSwaps.WithLabelValues("error").Inc()
		logging.Error().Err(err).Str("component", "model").Str("path", path).Msg("load scorer failed, keeping current version")
		return nil, err
	}
	r.path = path
	r.Swap(s)
	return s, nil
}

// Path 返回最近一次成功加载的模型文件路径。
func (r *Registry) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
