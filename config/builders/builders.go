// Package builders 把 rslash 的 Node 注册到 config.Registry。
//
// 构建函数捕获运行时依赖（索引、画像存储、会话缓存、模型），
// pipeline 配置文件只描述拓扑与参数；参数缺省时取 Settings 中的值。
package builders

import (
	"fmt"

	"github.com/rushteam/rslash/config"
	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/feature"
	"github.com/rushteam/rslash/filter"
	"github.com/rushteam/rslash/model"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/conv"
	"github.com/rushteam/rslash/rank"
	"github.com/rushteam/rslash/recall"
)

// Deps 是 Node 构建所需的运行时依赖。除 Settings 与 Index 外均可为空，
// 为空时对应 Node 退化为直通（或构建失败，见各构建函数）。
type Deps struct {
	Settings *config.Settings
	Index    core.EmbeddingIndex
	Profiles core.ProfileStore
	Sessions core.SessionCache

	// KV 存放热门榜单与黑名单
	KV core.KeyValueStore

	Model        model.Provider
	ItemFeatures feature.ItemFeatureSource
}

// Install 注册全部 Node 类型。
func Install(reg *config.Registry, d Deps) {
	if d.Settings == nil {
		d.Settings = config.Defaults()
	}
	reg.Register("recall.fanout", d.buildFanout)
	reg.Register("recall.ann", func(cfg map[string]any) (pipeline.Node, error) {
		return &recall.Fanout{Sources: []recall.Source{d.ann(cfg)}, Timeout: d.Settings.Timeouts.Index}, nil
	})
	reg.Register("recall.trending", func(cfg map[string]any) (pipeline.Node, error) {
		return d.trending(cfg), nil
	})
	reg.Register("recall.fallback", func(cfg map[string]any) (pipeline.Node, error) {
		return &recall.Fallback{Source: d.trending(cfg)}, nil
	})
	reg.Register("filter.session", func(cfg map[string]any) (pipeline.Node, error) {
		return &filter.SessionNode{
			Cache:   d.Sessions,
			Timeout: conv.Duration(cfg, "timeout", d.Settings.Timeouts.Session),
		}, nil
	})
	reg.Register("filter", d.buildFilter)
	reg.Register("filter.expr", func(cfg map[string]any) (pipeline.Node, error) {
		expr := conv.Get(cfg, "expr", "")
		if expr == "" {
			return nil, fmt.Errorf("filter.expr: expr is required")
		}
		f, err := filter.NewExprFilter(expr)
		if err != nil {
			return nil, err
		}
		return &filter.FilterNode{Filters: []filter.Filter{f}}, nil
	})
	reg.Register("feature.enrich", func(cfg map[string]any) (pipeline.Node, error) {
		src := d.ItemFeatures
		if raw, ok := cfg["static"].(map[string]any); ok {
			static := make(feature.StaticItemFeatures, len(raw))
			for id, v := range raw {
				if m, ok := v.(map[string]any); ok {
					static[id] = conv.Floats(m)
				}
			}
			src = static
		}
		transforms, err := feature.ParseTransforms(conv.Get(cfg, "transforms", map[string]any(nil)))
		if err != nil {
			return nil, err
		}
		return &feature.EnrichNode{
			Source:     src,
			Timeout:    conv.Duration(cfg, "timeout", d.Settings.Timeouts.Features),
			Prefix:     conv.Get(cfg, "prefix", ""),
			Transforms: transforms,
		}, nil
	})
	reg.Register("rank.blend", d.buildBlend)
}

func (d Deps) ann(cfg map[string]any) *recall.ANN {
	rc := d.Settings.Recommend
	return &recall.ANN{
		Index:      d.Index,
		Profiles:   d.Profiles,
		Timeout:    conv.Duration(cfg, "timeout", d.Settings.Timeouts.Index),
		PoolFactor: conv.Int(cfg, "pool_factor", rc.PoolSize),
		MinPool:    conv.Int(cfg, "min_pool", rc.MinPool),
	}
}

func (d Deps) trending(cfg map[string]any) *recall.Trending {
	rc := d.Settings.Recommend
	ids := conv.Strings(cfg, "ids")
	if ids == nil {
		ids = rc.FallbackItems
	}
	return &recall.Trending{
		Index: d.Index,
		Store: d.KV,
		Key:   conv.Get(cfg, "key", rc.TrendingKey),
		IDs:   ids,
		Limit: conv.Int(cfg, "limit", max(rc.MinPool, rc.MaxN)),
	}
}

func (d Deps) buildFanout(cfg map[string]any) (pipeline.Node, error) {
	raw, ok := cfg["sources"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("recall.fanout: sources not found or invalid")
	}
	sources := make([]recall.Source, 0, len(raw))
	for _, sc := range raw {
		sourceMap, ok := sc.(map[string]any)
		if !ok {
			continue
		}
		switch t := conv.Get(sourceMap, "type", ""); t {
		case "ann":
			sources = append(sources, d.ann(sourceMap))
		case "trending":
			sources = append(sources, d.trending(sourceMap))
		default:
			return nil, fmt.Errorf("recall.fanout: unknown source type %q", t)
		}
	}

	strategy := conv.Get(cfg, "merge_strategy", recall.MergePriority)
	switch strategy {
	case recall.MergePriority, recall.MergeFirst, recall.MergeUnion:
	default:
		return nil, fmt.Errorf("recall.fanout: unknown merge strategy %q", strategy)
	}
	return &recall.Fanout{
		Sources:       sources,
		Timeout:       conv.Duration(cfg, "timeout", d.Settings.Timeouts.Index),
		MaxConcurrent: conv.Int(cfg, "max_concurrent", 0),
		MergeStrategy: strategy,
	}, nil
}

func (d Deps) buildFilter(cfg map[string]any) (pipeline.Node, error) {
	var filters []filter.Filter
	for _, expr := range conv.Strings(cfg, "exprs") {
		f, err := filter.NewExprFilter(expr)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	ids := conv.Strings(cfg, "blacklist")
	key := conv.Get(cfg, "blacklist_key", "")
	if len(ids) > 0 || key != "" {
		var src filter.BlacklistStore
		if key != "" && d.KV != nil {
			src = filter.NewStoreAdapter(d.KV)
		}
		bl := filter.NewBlacklistFilter(ids, src, key).
			WithRefresh(conv.Duration(cfg, "blacklist_refresh", filter.DefaultBlacklistRefresh))
		filters = append(filters, bl)
	}
	return &filter.FilterNode{Filters: filters}, nil
}

func (d Deps) buildBlend(cfg map[string]any) (pipeline.Node, error) {
	rc := d.Settings.Recommend
	n := &rank.Blend{
		Model:             d.Model,
		RelevanceWeight:   conv.Float(cfg, "relevance_weight", rc.RelevanceWeight),
		FreshnessWeight:   conv.Float(cfg, "freshness_weight", rc.FreshnessWeight),
		DiversityWeight:   conv.Float(cfg, "diversity_penalty_weight", rc.DiversityWeight),
		FreshnessHalfLife: conv.Duration(cfg, "freshness_half_life", rc.FreshnessHalfLife),
		MaxPerCategory:    conv.Int(cfg, "max_per_category", rc.MaxPerCategory),
		ExplorationRate:   conv.Float(cfg, "exploration_rate", rc.ExplorationRate),
	}
	if n.ExplorationRate < 0 || n.ExplorationRate > 1 {
		return nil, fmt.Errorf("rank.blend: exploration_rate %v out of [0,1]", n.ExplorationRate)
	}
	return n, nil
}

// DefaultPipeline 是未提供 pipeline 文件时使用的拓扑：
//
//	recall.fanout(ann) → recall.fallback(trending) → filter.session → [feature.enrich] → rank.blend
func DefaultPipeline(s *config.Settings) *pipeline.Config {
	cfg := &pipeline.Config{}
	cfg.Pipeline.Name = "feed"
	cfg.Pipeline.Nodes = []pipeline.NodeConfig{
		{Type: "recall.fanout", Config: map[string]any{
			"sources":        []any{map[string]any{"type": "ann"}},
			"merge_strategy": recall.MergePriority,
		}},
		{Type: "recall.fallback"},
		{Type: "filter.session"},
	}
	if s != nil && s.Feast.Enabled {
		cfg.Pipeline.Nodes = append(cfg.Pipeline.Nodes, pipeline.NodeConfig{Type: "feature.enrich"})
	}
	cfg.Pipeline.Nodes = append(cfg.Pipeline.Nodes, pipeline.NodeConfig{Type: "rank.blend"})
	return cfg
}
