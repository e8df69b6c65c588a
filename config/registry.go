package config

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rushteam/rslash/pipeline"
)

// Registry 把 pipeline 文件里的节点类型名映射到构建函数。
// 构建函数是捕获了运行时依赖（索引、画像、模型）的闭包，由 config/builders.Install 注册。
type Registry struct {
	mu       sync.RWMutex
	builders pipeline.Builders
}

func NewRegistry() *Registry {
	return &Registry{builders: pipeline.Builders{}}
}

// Register 重复注册时覆盖。
func (r *Registry) Register(typeName string, builder pipeline.NodeBuilder) {
	if typeName == "" || builder == nil {
		return
	}
	r.mu.Lock()
	r.builders[typeName] = builder
	r.mu.Unlock()
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.builders))
}

func (r *Registry) NewNode(nodeType string, cfg map[string]any) (pipeline.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builders.NewNode(nodeType, cfg)
}

// Validate 在构建前检查全部启用节点的类型都已注册，一次报告第一个未知类型。
func (r *Registry) Validate(cfg *pipeline.Config) error {
	if cfg == nil || len(cfg.Enabled()) == 0 {
		return fmt.Errorf("config: pipeline has no nodes")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, nc := range cfg.Enabled() {
		if _, ok := r.builders[nc.Type]; !ok {
			return fmt.Errorf("config: node %d: unsupported type %q (supported: %v)",
				i, nc.Type, slices.Sorted(maps.Keys(r.builders)))
		}
	}
	return nil
}

// Build 校验并构建 Pipeline，hooks 追加在配置之后。
func (r *Registry) Build(cfg *pipeline.Config, hooks ...pipeline.Hook) (*pipeline.Pipeline, error) {
	if err := r.Validate(cfg); err != nil {
		return nil, err
	}
	p, err := cfg.BuildPipeline(r)
	if err != nil {
		return nil, err
	}
	p.Hooks = append(p.Hooks, hooks...)
	return p, nil
}
