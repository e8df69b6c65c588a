package recall

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/store"
	"github.com/rushteam/rslash/vector"
)

func ids(cs []*core.Candidate) string { return fmt.Sprint(core.IDs(cs)) }

func newIndex(t *testing.T, items ...*core.Item) *vector.Index {
	t.Helper()
	idx, err := vector.New(vector.Options{Dim: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.UpsertBatch(context.Background(), items); err != nil {
		t.Fatal(err)
	}
	return idx
}

func item(id string, x, y float64) *core.Item {
	return &core.Item{ID: id, Embedding: []float64{x, y}, CreatedAt: time.Unix(1_700_000_000, 0)}
}

func warmProfile(vec ...float64) *core.UserProfile {
	p := core.NewUserProfile("u1")
	p.State = core.StateWarm
	p.QueryVector = vec
	return p
}

func TestANN_Recall(t *testing.T) {
	idx := newIndex(t, item("a", 1, 0), item("b", 0.8, 0.2), item("c", 0, 1))
	ann := &ANN{Index: idx, PoolFactor: 1, MinPool: 2}

	out, err := ann.Recall(context.Background(), &core.RecommendContext{N: 1, User: warmProfile(1, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if ids(out) != "[a b]" {
		t.Errorf("got %s, want [a b]", ids(out))
	}
	if out[0].Similarity < out[1].Similarity {
		t.Errorf("similarity not descending: %v, %v", out[0].Similarity, out[1].Similarity)
	}

	// 冷启动：没有画像或没有查询向量
	for _, p := range []*core.UserProfile{nil, core.NewUserProfile("u2")} {
		out, err := ann.Recall(context.Background(), &core.RecommendContext{N: 1, User: p})
		if err != nil || len(out) != 0 {
			t.Errorf("cold user: got %s, %v", ids(out), err)
		}
	}

	// 维度不一致当作空池
	out, err = ann.Recall(context.Background(), &core.RecommendContext{N: 1, User: warmProfile(1, 0, 0)})
	if err != nil || len(out) != 0 {
		t.Errorf("dim mismatch: got %s, %v", ids(out), err)
	}
}

func TestANN_PoolSize(t *testing.T) {
	tests := []struct {
		ann  ANN
		n    int
		want int
	}{
		{ANN{}, 10, 50},
		{ANN{}, 20, 60},
		{ANN{PoolFactor: 5, MinPool: 1}, 10, 50},
		{ANN{PoolFactor: 2, MinPool: 30}, 10, 30},
	}
	for _, tt := range tests {
		if got := tt.ann.PoolSize(tt.n); got != tt.want {
			t.Errorf("PoolSize(%d) with %+v = %d, want %d", tt.n, tt.ann, got, tt.want)
		}
	}
}

func TestANN_Retrieve(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, item("a", 1, 0), item("c", 0, 1))
	profiles := newProfiles()
	ann := &ANN{Index: idx, Profiles: profiles}

	out, err := ann.Retrieve(ctx, "nobody", 10)
	if err != nil || len(out) != 0 {
		t.Fatalf("absent profile: got %s, %v", ids(out), err)
	}

	profiles.m["u1"] = warmProfile(0, 1)
	out, err = ann.Retrieve(ctx, "u1", 1)
	if err != nil || ids(out) != "[c]" {
		t.Errorf("got %s, %v", ids(out), err)
	}
}

type mapProfiles struct{ m map[string]*core.UserProfile }

func newProfiles() *mapProfiles { return &mapProfiles{m: map[string]*core.UserProfile{}} }

func (s *mapProfiles) Get(_ context.Context, id string) (*core.UserProfile, error) {
	if p, ok := s.m[id]; ok {
		return p, nil
	}
	return nil, core.ErrProfileNotFound
}

func (s *mapProfiles) Update(context.Context, string, func(*core.UserProfile) error) (*core.UserProfile, error) {
	return nil, errors.New("read only")
}

func (s *mapProfiles) Reset(context.Context, string) error { return errors.New("read only") }

// stubIndex 只实现查询，用于模拟慢索引与不可用索引
type stubIndex struct {
	core.EmbeddingIndex
	query func(ctx context.Context) ([]core.Hit, error)
	calls atomic.Int32
}

func (s *stubIndex) QueryTopK(ctx context.Context, _ []float64, _ int) ([]core.Hit, error) {
	s.calls.Add(1)
	return s.query(ctx)
}

func TestANN_TimeoutAbandonsQuery(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	idx := &stubIndex{query: func(context.Context) ([]core.Hit, error) {
		<-release // 不理会 ctx 的慢查询
		return []core.Hit{{ID: "late", Item: item("late", 1, 0)}}, nil
	}}
	ann := &ANN{Index: idx, Timeout: 20 * time.Millisecond}

	start := time.Now()
	out, err := ann.Recall(context.Background(), &core.RecommendContext{N: 1, User: warmProfile(1, 0)})
	if err != nil || len(out) != 0 {
		t.Fatalf("got %s, %v; want empty pool", ids(out), err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("query not abandoned, took %v", elapsed)
	}
	if n := idx.calls.Load(); n != 1 {
		t.Errorf("timeouts must not be retried, calls = %d", n)
	}
}

func TestANN_UnavailableRetriedOnce(t *testing.T) {
	idx := &stubIndex{query: func(context.Context) ([]core.Hit, error) {
		return nil, core.NewDomainError(core.ModuleVector, core.ErrorCodeUnavailable, "vector: down")
	}}
	ann := &ANN{Index: idx, RetryBackoff: time.Millisecond}
	_, err := ann.Recall(context.Background(), &core.RecommendContext{N: 1, User: warmProfile(1, 0)})
	if !core.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if n := idx.calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

type staticSource struct {
	name  string
	cands []*core.Candidate
	err   error
	delay time.Duration
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Recall(ctx context.Context, _ *core.RecommendContext) ([]*core.Candidate, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, core.AsTimeout(core.ModuleRecall, ctx.Err())
		}
	}
	out := make([]*core.Candidate, len(s.cands))
	for i, c := range s.cands {
		out[i] = core.NewCandidate(c.Item, c.Similarity)
	}
	return out, s.err
}

func cand(id string, sim float64) *core.Candidate {
	return core.NewCandidate(item(id, 1, 0), sim)
}

func TestFanout_MergeStrategies(t *testing.T) {
	a := &staticSource{name: "a", cands: []*core.Candidate{cand("x", 0.5), cand("y", 0.4)}}
	b := &staticSource{name: "b", cands: []*core.Candidate{cand("z", 0.9), cand("x", 0.8)}}

	tests := []struct {
		strategy string
		want     string
	}{
		{MergePriority, "[x y z]"},
		{"", "[x y z]"},
		{MergeFirst, "[x y]"},
		{MergeUnion, "[z x y]"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			n := &Fanout{Sources: []Source{a, b}, MergeStrategy: tt.strategy}
			out, err := n.Process(context.Background(), &core.RecommendContext{}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if ids(out) != tt.want {
				t.Errorf("got %s, want %s", ids(out), tt.want)
			}
		})
	}

	n := &Fanout{Sources: []Source{a, b}, MergeStrategy: MergeUnion}
	out, _ := n.Process(context.Background(), &core.RecommendContext{}, nil)
	for _, c := range out {
		if c.ID() == "x" {
			if c.Similarity != 0.8 {
				t.Errorf("union kept similarity %v, want 0.8", c.Similarity)
			}
			if got := c.Labels[LabelSource].Value; got != "b|a" {
				t.Errorf("merged source label = %q, want b|a", got)
			}
		}
	}
}

func TestFanout_SoftFailures(t *testing.T) {
	ok := &staticSource{name: "ok", cands: []*core.Candidate{cand("x", 0.5)}}
	slow := &staticSource{name: "slow", cands: []*core.Candidate{cand("s", 0.9)}, delay: time.Second}
	down := &staticSource{name: "down", err: core.NewDomainError(core.ModuleVector, core.ErrorCodeUnavailable, "down")}

	n := &Fanout{Sources: []Source{slow, down, ok}, Timeout: 20 * time.Millisecond, MaxConcurrent: 2}
	rctx := &core.RecommendContext{}
	out, err := n.Process(context.Background(), rctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ids(out) != "[x]" {
		t.Errorf("got %s, want [x]", ids(out))
	}
	if got := fmt.Sprint(rctx.Degraded()); got != "[down]" {
		t.Errorf("degraded = %s, want [down]", got)
	}
}

func TestTrending(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, item("a", 1, 0), item("b", 0, 1), item("c", 1, 1))
	kv := store.NewMemoryStore()
	defer kv.Close()

	tr := &Trending{Index: idx, Store: kv, Key: "trending", IDs: []string{"c", "gone"}}

	// 榜单为空时使用配置的 ID，已下线的 ID 丢弃
	out, err := tr.Recall(ctx, &core.RecommendContext{})
	if err != nil || ids(out) != "[c]" {
		t.Fatalf("fallback ids: got %s, %v", ids(out), err)
	}

	for _, m := range []struct {
		id    string
		score float64
	}{{"a", 1}, {"b", 3}, {"gone", 5}} {
		if _, err := kv.ZIncrBy(ctx, "trending", m.score, m.id); err != nil {
			t.Fatal(err)
		}
	}
	out, _ = tr.Recall(ctx, &core.RecommendContext{})
	if ids(out) != "[b a]" {
		t.Errorf("got %s, want [b a]", ids(out))
	}

	tr.Limit = 2
	out, _ = tr.Recall(ctx, &core.RecommendContext{})
	if ids(out) != "[b]" {
		t.Errorf("limit: got %s, want [b]", ids(out))
	}
}

func TestFallback(t *testing.T) {
	src := &staticSource{name: "trending", cands: []*core.Candidate{cand("t1", 0), cand("x", 0), cand("t2", 0)}}
	n := &Fallback{Source: src}
	ctx := context.Background()

	out, _ := n.Process(ctx, &core.RecommendContext{N: 3}, []*core.Candidate{cand("x", 0.9)})
	if ids(out) != "[x t1 t2]" {
		t.Errorf("got %s, want [x t1 t2]", ids(out))
	}
	if out[1].Labels[LabelSource].Value != "trending" {
		t.Errorf("fallback candidate not labelled: %v", out[1].Labels)
	}

	full := []*core.Candidate{cand("p", 0.9), cand("q", 0.8)}
	out, _ = n.Process(ctx, &core.RecommendContext{N: 2}, full)
	if ids(out) != "[p q]" {
		t.Errorf("pool already full: got %s", ids(out))
	}

	down := &Fallback{Source: &staticSource{name: "trending", err: core.NewDomainError(core.ModuleStore, core.ErrorCodeUnavailable, "down")}}
	rctx := &core.RecommendContext{N: 2}
	out, err := down.Process(ctx, rctx, nil)
	if err != nil || len(out) != 0 || len(rctx.Degraded()) != 1 {
		t.Errorf("got %s, %v, degraded %v", ids(out), err, rctx.Degraded())
	}
}

func TestTrendingDecay(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	defer kv.Close()
	_ = kv.ZAdd(ctx, "trending", 10, "hot")
	_ = kv.ZAdd(ctx, "trending", 1, "cooling")

	d := &TrendingDecay{Store: kv, Key: "trending", Factor: 0.5, Floor: 0.6}
	if err := d.Step(ctx); err != nil {
		t.Fatal(err)
	}
	members, _ := kv.ZRange(ctx, "trending", 0, -1)
	if fmt.Sprint(members) != "[hot]" {
		t.Errorf("members = %v, want [hot]", members)
	}
	if s, _ := kv.ZScore(ctx, "trending", "hot"); s != 5 {
		t.Errorf("hot score = %v, want 5", s)
	}

	// 未配置衰减时 Run 只等待取消
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := (&TrendingDecay{Store: kv}).Run(cctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
}
