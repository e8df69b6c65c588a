package filter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/session"
	"github.com/rushteam/rslash/store"
)

func cand(id string, cats ...string) *core.Candidate {
	return core.NewCandidate(&core.Item{ID: id, Categories: cats, CreatedAt: time.Unix(1_700_000_000, 0)}, 0.5)
}

func ids(cs []*core.Candidate) string { return fmt.Sprint(core.IDs(cs)) }

func TestFilterNode_ExprAndBlacklist(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	defer kv.Close()
	adapter := NewStoreAdapter(kv)
	if err := adapter.Add(ctx, "blacklist:items", "d", "takedown"); err != nil {
		t.Fatal(err)
	}

	expr, err := NewExprFilter(`"nsfw" in item.categories`)
	if err != nil {
		t.Fatal(err)
	}
	node := &FilterNode{Filters: []Filter{
		expr,
		NewBlacklistFilter([]string{"b"}, adapter, "blacklist:items"),
	}}

	rctx := &core.RecommendContext{UserID: "u1"}
	out, err := node.Process(ctx, rctx, []*core.Candidate{
		cand("a", "sports"),
		cand("b", "sports"),
		cand("c", "nsfw"),
		cand("d", "news"),
		cand("e"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if ids(out) != "[a e]" {
		t.Errorf("got %s, want [a e]", ids(out))
	}
}

func TestExprFilter_Variables(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	warm := core.NewUserProfile("u1")
	warm.State = core.StateWarm
	warm.Affinity = map[string]float64{"sports": 0.7, "news": 0.3}

	old := core.NewCandidate(&core.Item{ID: "x", CreatedAt: now.Add(-200 * time.Hour), Features: map[string]float64{"quality": 0.1}}, 0.9)
	old.SetFeature("engagement", 0.4)

	tests := []struct {
		expr string
		user *core.UserProfile
		want bool
	}{
		{`item.id == "x"`, nil, true},
		{`item.age_hours > 168.0`, nil, true},
		{`has(item.features.quality) && item.features.quality < 0.2`, nil, true},
		{`item.features.engagement > 0.5`, nil, false},
		{`item.similarity >= 0.9`, nil, true},
		{`user.warm`, nil, false},
		{`user.warm && user.affinity.sports > 0.5`, warm, true},
		{`user.state == "cold_start"`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := NewExprFilter(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			rctx := &core.RecommendContext{UserID: "u1", Now: now, User: tt.user}
			got, err := f.ShouldFilter(context.Background(), rctx, old)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExprFilter_CompileErrors(t *testing.T) {
	for _, expr := range []string{`item.id ==`, `1 + 2`} {
		if _, err := NewExprFilter(expr); err == nil {
			t.Errorf("%q: expected compile error", expr)
		}
	}
}

func TestFilterNode_ErroringFilterIsSkipped(t *testing.T) {
	f, err := NewExprFilter(`item.features.missing > 1.0`)
	if err != nil {
		t.Fatal(err)
	}
	node := &FilterNode{Filters: []Filter{f}}
	out, _ := node.Process(context.Background(), &core.RecommendContext{}, []*core.Candidate{cand("a")})
	if ids(out) != "[a]" {
		t.Errorf("got %s, want [a]", ids(out))
	}
}

type flakyBlacklist struct {
	calls int
	ids   map[string]struct{}
	err   error
}

func (f *flakyBlacklist) Blacklist(context.Context, string) (map[string]struct{}, error) {
	f.calls++
	return f.ids, f.err
}

func TestBlacklistFilter_Refresh(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	src := &flakyBlacklist{ids: map[string]struct{}{"a": {}}}
	f := NewBlacklistFilter(nil, src, "bl").WithRefresh(time.Minute)
	f.now = func() time.Time { return now }
	node := &FilterNode{Filters: []Filter{f}}
	pool := func() []*core.Candidate { return []*core.Candidate{cand("a"), cand("b")} }

	out, _ := node.Process(ctx, &core.RecommendContext{}, pool())
	if ids(out) != "[b]" {
		t.Fatalf("got %s, want [b]", ids(out))
	}
	// 刷新间隔内不重新加载
	src.ids = map[string]struct{}{"b": {}}
	out, _ = node.Process(ctx, &core.RecommendContext{}, pool())
	if ids(out) != "[b]" || src.calls != 1 {
		t.Errorf("cached: got %s after %d loads", ids(out), src.calls)
	}
	// 过期后加载新名单
	now = now.Add(2 * time.Minute)
	out, _ = node.Process(ctx, &core.RecommendContext{}, pool())
	if ids(out) != "[a]" {
		t.Errorf("refreshed: got %s, want [a]", ids(out))
	}
	// 加载失败时沿用旧名单
	now = now.Add(2 * time.Minute)
	src.err = errors.New("redis down")
	rctx := &core.RecommendContext{}
	out, _ = node.Process(ctx, rctx, pool())
	if ids(out) != "[a]" || len(rctx.Degraded()) != 0 {
		t.Errorf("stale: got %s, degraded %v", ids(out), rctx.Degraded())
	}
}

func TestBlacklistFilter_FirstLoadFails(t *testing.T) {
	f := NewBlacklistFilter([]string{"b"}, &flakyBlacklist{err: errors.New("down")}, "bl")
	node := &FilterNode{Filters: []Filter{f}}
	rctx := &core.RecommendContext{}
	out, err := node.Process(context.Background(), rctx, []*core.Candidate{cand("a"), cand("b")})
	if err != nil {
		t.Fatal(err)
	}
	// 外部名单不可用，静态名单仍生效
	if ids(out) != "[a]" {
		t.Errorf("got %s, want [a]", ids(out))
	}
	if fmt.Sprint(rctx.Degraded()) != "[filter.blacklist]" {
		t.Errorf("degraded = %v", rctx.Degraded())
	}
}

type brokenCache struct{}

func (brokenCache) Filter(context.Context, string, []*core.Candidate, int) ([]*core.Candidate, error) {
	return nil, core.NewDomainError(core.ModuleSession, core.ErrorCodeUnavailable, "session: down")
}

func (brokenCache) Record(context.Context, string, []string) error { return errors.New("down") }

func TestSessionNode(t *testing.T) {
	ctx := context.Background()
	cache := session.NewMemoryCache(session.Options{TTL: time.Hour})
	_ = cache.Record(ctx, SessionKey("u1", "s1"), []string{"a"})

	node := &SessionNode{Cache: cache}
	pool := func() []*core.Candidate { return []*core.Candidate{cand("a"), cand("b"), cand("c")} }

	out, _ := node.Process(ctx, &core.RecommendContext{UserID: "u1", SessionID: "s1", N: 2}, pool())
	if ids(out) != "[b c]" {
		t.Errorf("served item not removed: %s", ids(out))
	}

	// 同一 session ID 属于另一个用户
	out, _ = node.Process(ctx, &core.RecommendContext{UserID: "u2", SessionID: "s1", N: 2}, pool())
	if ids(out) != "[a b c]" {
		t.Errorf("sessions leaked across users: %s", ids(out))
	}

	// 没有 session 时不过滤
	out, _ = node.Process(ctx, &core.RecommendContext{UserID: "u1", N: 2}, pool())
	if ids(out) != "[a b c]" {
		t.Errorf("no session should pass through: %s", ids(out))
	}

	// 缓存不可用时放行
	broken := &SessionNode{Cache: brokenCache{}}
	out, err := broken.Process(ctx, &core.RecommendContext{UserID: "u1", SessionID: "s1", N: 2}, pool())
	if err != nil || ids(out) != "[a b c]" {
		t.Errorf("broken cache: got %s, %v", ids(out), err)
	}
}
