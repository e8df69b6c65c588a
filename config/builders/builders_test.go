package builders

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rushteam/rslash/config"
	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/feature"
	"github.com/rushteam/rslash/filter"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/session"
	"github.com/rushteam/rslash/store"
	"github.com/rushteam/rslash/vector"
)

var now = time.Unix(1_700_000_000, 0)

type fixture struct {
	deps     Deps
	sessions *session.MemoryCache
	kv       *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	idx, err := vector.New(vector.Options{Dim: 2})
	if err != nil {
		t.Fatal(err)
	}
	items := []*core.Item{
		{ID: "a", Embedding: []float64{1, 0}, CreatedAt: now, Categories: []string{"news"}},
		{ID: "b", Embedding: []float64{0.9, 0.1}, CreatedAt: now, Categories: []string{"sports"}},
		{ID: "c", Embedding: []float64{0, 1}, CreatedAt: now, Categories: []string{"music"}},
		{ID: "d", Embedding: []float64{0.5, 0.5}, CreatedAt: now, Categories: []string{"nsfw"}},
	}
	if err := idx.UpsertBatch(ctx, items); err != nil {
		t.Fatal(err)
	}
	kv := store.NewMemoryStore()
	for i, id := range []string{"c", "a", "b"} {
		if err := kv.ZAdd(ctx, "trending:items", float64(10-i), id); err != nil {
			t.Fatal(err)
		}
	}
	profiles := feature.NewMemoryProfileStore()
	_, _ = profiles.Update(ctx, "warm", func(p *core.UserProfile) error {
		p.State = core.StateWarm
		p.QueryVector = []float64{1, 0}
		return nil
	})
	s := config.Defaults()
	s.Recommend.ExplorationRate = 0
	sessions := session.NewMemoryCache(session.Options{TTL: time.Hour})
	return &fixture{
		deps: Deps{
			Settings: s,
			Index:    idx,
			Profiles: profiles,
			Sessions: sessions,
			KV:       kv,
		},
		sessions: sessions,
		kv:       kv,
	}
}

func (f *fixture) build(t *testing.T, cfg *pipeline.Config) *pipeline.Pipeline {
	t.Helper()
	reg := config.NewRegistry()
	Install(reg, f.deps)
	p, err := reg.Build(cfg, pipeline.MetricsHook{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, p *pipeline.Pipeline, user *core.UserProfile, sid string, n int) []string {
	t.Helper()
	rctx := &core.RecommendContext{UserID: "warm", SessionID: sid, N: n, Seed: 1, Now: now, User: user}
	if user == nil {
		rctx.UserID = "cold"
	}
	out, err := p.Run(context.Background(), rctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	ids := core.IDs(out)
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func TestInstall_Types(t *testing.T) {
	reg := config.NewRegistry()
	Install(reg, Deps{})
	want := "[feature.enrich filter filter.expr filter.session rank.blend recall.ann recall.fallback recall.fanout recall.trending]"
	if got := fmt.Sprint(reg.Types()); got != want {
		t.Errorf("types = %s", got)
	}
}

func TestDefaultPipeline(t *testing.T) {
	f := newFixture(t)
	p := f.build(t, DefaultPipeline(f.deps.Settings))
	if len(p.Nodes) != 4 {
		t.Fatalf("nodes = %d, want 4", len(p.Nodes))
	}

	// 冷启动：整个池来自热门榜单
	got := run(t, p, nil, "", 3)
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	if fmt.Sprint(sorted) != "[a b c]" {
		t.Errorf("cold feed = %v, want trending items", got)
	}

	// 热用户：向量召回，最相似的排在前面
	warm, _ := f.deps.Profiles.Get(context.Background(), "warm")
	if got := run(t, p, warm, "", 1); fmt.Sprint(got) != "[a]" {
		t.Errorf("warm feed = %v, want [a]", got)
	}

	// 会话中已下发的物品被剔除
	if err := f.sessions.Record(context.Background(), filter.SessionKey("warm", "s1"), []string{"a"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range run(t, p, warm, "s1", 2) {
		if id == "a" {
			t.Errorf("session item a served again")
		}
	}
}

func TestDefaultPipeline_FeastAddsEnrich(t *testing.T) {
	s := config.Defaults()
	s.Feast.Enabled = true
	var types []string
	for _, nc := range DefaultPipeline(s).Pipeline.Nodes {
		types = append(types, nc.Type)
	}
	if got := strings.Join(types, ","); got != "recall.fanout,recall.fallback,filter.session,feature.enrich,rank.blend" {
		t.Errorf("nodes = %s", got)
	}
}

func TestPipelineFromYAML(t *testing.T) {
	f := newFixture(t)
	cfg, err := pipeline.ParseYAML([]byte(`
pipeline:
  name: feed
  nodes:
    - type: recall.trending
      config:
        ids: [a, b, c, d]
        limit: 10
    - type: filter
      config:
        exprs: ['"nsfw" in item.categories']
        blacklist: [c]
    - type: feature.enrich
      config:
        static: {a: {quality: 0.5}}
        timeout: 20ms
    - type: rank.blend
      config:
        exploration_rate: 0
        relevance_weight: 1
`))
	if err != nil {
		t.Fatal(err)
	}
	// 榜单为空时回退到配置的 ids
	f.deps.KV = store.NewMemoryStore()
	p := f.build(t, cfg)
	got := run(t, p, nil, "", 10)
	sort.Strings(got)
	if fmt.Sprint(got) != "[a b]" {
		t.Errorf("feed = %v, want [a b]", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		node pipeline.NodeConfig
		want string
	}{
		{"unknown type", pipeline.NodeConfig{Type: "rank.lr"}, "unsupported type"},
		{"fanout without sources", pipeline.NodeConfig{Type: "recall.fanout"}, "sources"},
		{"unknown source", pipeline.NodeConfig{Type: "recall.fanout", Config: map[string]any{
			"sources": []any{map[string]any{"type": "milvus"}},
		}}, "milvus"},
		{"unknown merge", pipeline.NodeConfig{Type: "recall.fanout", Config: map[string]any{
			"sources":        []any{map[string]any{"type": "ann"}},
			"merge_strategy": "zip",
		}}, "zip"},
		{"missing expr", pipeline.NodeConfig{Type: "filter.expr"}, "expr is required"},
		{"bad expr", pipeline.NodeConfig{Type: "filter", Config: map[string]any{"exprs": []any{"item.id =="}}}, "compile"},
		{"exploration out of range", pipeline.NodeConfig{Type: "rank.blend", Config: map[string]any{"exploration_rate": 1.5}}, "exploration_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := config.NewRegistry()
			Install(reg, Deps{})
			cfg := &pipeline.Config{}
			cfg.Pipeline.Nodes = []pipeline.NodeConfig{tt.node}
			_, err := reg.Build(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestRegistry_EmptyPipeline(t *testing.T) {
	if err := config.NewRegistry().Validate(&pipeline.Config{}); err == nil {
		t.Error("expected error for empty pipeline")
	}
}

func TestShippedPipeline(t *testing.T) {
	cfg, err := pipeline.Load(filepath.Join("..", "..", "configs", "pipeline.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t)
	p := f.build(t, cfg)
	warm, _ := f.deps.Profiles.Get(context.Background(), "warm")
	for _, id := range run(t, p, warm, "s", 4) {
		if id == "d" {
			t.Errorf("nsfw item served")
		}
	}
}
