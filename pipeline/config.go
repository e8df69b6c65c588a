package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Config 是 pipeline 拓扑文件，YAML 与 JSON 同构：
//
//	pipeline:
//	  name: feed
//	  nodes:
//	    - type: recall.fanout
//	      config: {sources: [{type: ann}], timeout: 80ms}
//	    - type: filter.session
//	    - type: feature.enrich
//	      disabled: true
//	    - type: rank.blend
type Config struct {
	Pipeline struct {
		Name  string       `yaml:"name" json:"name"`
		Nodes []NodeConfig `yaml:"nodes" json:"nodes"`
	} `yaml:"pipeline" json:"pipeline"`
}

type NodeConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Config   map[string]any `yaml:"config" json:"config"`
	Disabled bool           `yaml:"disabled" json:"disabled"`
}

// Enabled 返回未禁用的节点。
func (c *Config) Enabled() []NodeConfig {
	out := make([]NodeConfig, 0, len(c.Pipeline.Nodes))
	for _, nc := range c.Pipeline.Nodes {
		if !nc.Disabled {
			out = append(out, nc)
		}
	}
	return out
}

// NodeBuilder 根据节点的 config 段构建 Node。
type NodeBuilder func(cfg map[string]any) (Node, error)

// Builder 按类型名构建 Node，config.Registry 实现它。
type Builder interface {
	NewNode(nodeType string, cfg map[string]any) (Node, error)
}

// Builders 是最简单的 Builder。
type Builders map[string]NodeBuilder

func (b Builders) NewNode(nodeType string, cfg map[string]any) (Node, error) {
	build, ok := b[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", nodeType)
	}
	return build(cfg)
}

// Load 读取拓扑文件，.json 按 JSON 解析，其余按 YAML。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pipeline: parse yaml: %w", err)
	}
	return &cfg, nil
}

func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pipeline: parse json: %w", err)
	}
	return &cfg, nil
}

// BuildPipeline 跳过禁用节点，逐个构建后校验阶段顺序。
func (c *Config) BuildPipeline(b Builder) (*Pipeline, error) {
	enabled := c.Enabled()
	p := &Pipeline{Name: c.Pipeline.Name, Nodes: make([]Node, 0, len(enabled))}
	for i, nc := range enabled {
		cfg := nc.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		node, err := b.NewNode(nc.Type, cfg)
		if err != nil {
			return nil, fmt.Errorf("pipeline: node %d (%s): %w", i, nc.Type, err)
		}
		p.Nodes = append(p.Nodes, node)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
