package rank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/model"
)

var t0 = time.Unix(1_700_000_000, 0)

func cand(id string, sim float64, cats ...string) *core.Candidate {
	return core.NewCandidate(&core.Item{ID: id, CreatedAt: t0, Categories: cats}, sim)
}

func ids(cs []*core.Candidate) string { return fmt.Sprint(core.IDs(cs)) }

// similarityOnly 让相关性等于召回相似度，便于构造用例
func similarityOnly(t *testing.T) model.Provider {
	t.Helper()
	s, err := model.NewLRScorer("test", 0, map[string]float64{"similarity": 1}, model.LinkIdentity)
	if err != nil {
		t.Fatal(err)
	}
	return model.NewRegistry(s)
}

func TestBlend_DiversityOverridesCloseRelevance(t *testing.T) {
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 1, DiversityWeight: 0.2}
	pool := []*core.Candidate{cand("B", 0.85, "sports"), cand("C", 0.8, "news"), cand("A", 0.9, "sports")}

	out, err := n.Process(context.Background(), &core.RecommendContext{N: 2, Now: t0}, pool)
	if err != nil {
		t.Fatal(err)
	}
	if ids(out) != "[A C]" {
		t.Fatalf("got %s, want [A C]", ids(out))
	}
	if math.Abs(out[1].Score-0.8) > 1e-9 {
		t.Errorf("C score = %v, want 0.8", out[1].Score)
	}

	// 不加多样性惩罚时按相关性
	n.DiversityWeight = 0
	out, _ = n.Process(context.Background(), &core.RecommendContext{N: 2, Now: t0},
		[]*core.Candidate{cand("B", 0.85, "sports"), cand("C", 0.8, "news"), cand("A", 0.9, "sports")})
	if ids(out) != "[A B]" {
		t.Errorf("no penalty: got %s, want [A B]", ids(out))
	}
}

func TestBlend_TieBreaks(t *testing.T) {
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 1}
	older := cand("a", 0.5)
	older.Item.CreatedAt = t0.Add(-time.Hour)
	pool := []*core.Candidate{older, cand("c", 0.5), cand("b", 0.5)}

	out, _ := n.Process(context.Background(), &core.RecommendContext{N: 3, Now: t0}, pool)
	if ids(out) != "[b c a]" {
		t.Errorf("got %s, want [b c a]", ids(out))
	}
}

func TestBlend_FreshnessBlend(t *testing.T) {
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 0.5, FreshnessWeight: 0.5, FreshnessHalfLife: time.Hour}
	stale := cand("stale", 0.6)
	stale.Item.CreatedAt = t0.Add(-2 * time.Hour) // freshness 0.25
	fresh := cand("fresh", 0.4)                   // freshness 1

	out, _ := n.Process(context.Background(), &core.RecommendContext{N: 2, Now: t0}, []*core.Candidate{stale, fresh})
	if ids(out) != "[fresh stale]" {
		t.Fatalf("got %s", ids(out))
	}
	if math.Abs(out[0].Score-0.7) > 1e-9 || math.Abs(out[1].Score-0.425) > 1e-9 {
		t.Errorf("scores = %v, %v", out[0].Score, out[1].Score)
	}
	if out[1].Features["freshness"] != 0.25 {
		t.Errorf("freshness feature = %v", out[1].Features["freshness"])
	}
}

func TestBlend_MaxPerCategory(t *testing.T) {
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 1, MaxPerCategory: 2}
	pool := []*core.Candidate{
		cand("s1", 0.9, "sports"), cand("s2", 0.8, "sports"), cand("s3", 0.7, "sports"), cand("n1", 0.1, "news"),
	}
	out, _ := n.Process(context.Background(), &core.RecommendContext{N: 4, Now: t0}, pool)
	if ids(out) != "[s1 s2 n1 s3]" {
		t.Errorf("got %s, want [s1 s2 n1 s3]", ids(out))
	}
}

type flakyScorer struct{ model.Scorer }

func (f flakyScorer) Score(ctx context.Context, user, item map[string]float64) (float64, error) {
	if item["bad"] == 1 {
		return 0, errors.New("nan input")
	}
	return f.Scorer.Score(ctx, user, item)
}

func TestBlend_ScorerErrorSkipsCandidate(t *testing.T) {
	base, _ := model.NewLRScorer("test", 0, map[string]float64{"similarity": 1}, "")
	n := &Blend{Model: model.NewRegistry(flakyScorer{base}), RelevanceWeight: 1}
	bad := cand("bad", 0.99)
	bad.Item.Features = map[string]float64{"bad": 1}

	out, err := n.Process(context.Background(), &core.RecommendContext{N: 3, Now: t0},
		[]*core.Candidate{bad, cand("x", 0.5), cand("x", 0.4), cand("y", 0.3)})
	if err != nil {
		t.Fatal(err)
	}
	if ids(out) != "[x y]" {
		t.Errorf("got %s, want [x y]", ids(out))
	}
	if out[0].Labels[LabelModel].Value != "lr@test" {
		t.Errorf("model label = %v", out[0].Labels[LabelModel])
	}
}

func bigPool(n int) []*core.Candidate {
	out := make([]*core.Candidate, n)
	for i := range out {
		out[i] = cand(fmt.Sprintf("i%03d", i), 1-float64(i)/float64(n), fmt.Sprintf("c%d", i%7))
	}
	return out
}

func TestBlend_Deterministic(t *testing.T) {
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 1, DiversityWeight: 0.05, ExplorationRate: 0.3}
	rctx := func() *core.RecommendContext { return &core.RecommendContext{N: 10, Seed: 42, Now: t0} }
	a, _ := n.Process(context.Background(), rctx(), bigPool(60))
	b, _ := n.Process(context.Background(), rctx(), bigPool(60))
	if ids(a) != ids(b) {
		t.Errorf("same seed, different results:\n%s\n%s", ids(a), ids(b))
	}

	n.ExplorationRate = 0
	out, _ := n.Process(context.Background(), rctx(), bigPool(60))
	for _, c := range out {
		if c.Exploration {
			t.Errorf("%s flagged exploration with rate 0", c.ID())
		}
	}
}

func TestBlend_ExplorationRateConverges(t *testing.T) {
	const (
		rate     = 0.25
		requests = 2000
		perReq   = 10
	)
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 1, ExplorationRate: rate}
	explored := 0
	for seed := int64(0); seed < requests; seed++ {
		out, _ := n.Process(context.Background(), &core.RecommendContext{N: perReq, Seed: seed, Now: t0}, bigPool(50))
		if len(out) != perReq {
			t.Fatalf("got %d items", len(out))
		}
		seen := make(map[string]bool)
		for i, c := range out {
			if seen[c.ID()] {
				t.Fatalf("duplicate %s", c.ID())
			}
			seen[c.ID()] = true
			if c.Exploration {
				explored++
				// 探索位来自尾部
				var rank int
				fmt.Sscanf(c.ID(), "i%d", &rank)
				if rank < perReq {
					t.Fatalf("slot %d explored head item %s", i, c.ID())
				}
			}
		}
	}
	got := float64(explored) / float64(requests*perReq)
	if math.Abs(got-rate) > 0.02 {
		t.Errorf("exploration fraction = %.4f, want %.2f ± 0.02", got, rate)
	}
}

func TestBlend_EmptyTailExploits(t *testing.T) {
	n := &Blend{Model: similarityOnly(t), RelevanceWeight: 1, ExplorationRate: 1}
	out, _ := n.Process(context.Background(), &core.RecommendContext{N: 3, Now: t0}, []*core.Candidate{cand("a", 0.9), cand("b", 0.8)})
	if ids(out) != "[a b]" {
		t.Errorf("got %s", ids(out))
	}
	for _, c := range out {
		if c.Exploration {
			t.Errorf("%s flagged exploration without a tail", c.ID())
		}
	}
}

func TestBlend_UserAffinityFeature(t *testing.T) {
	s, _ := model.NewLRScorer("test", 0, map[string]float64{"category_affinity": 1}, "")
	n := &Blend{Model: model.NewRegistry(s), RelevanceWeight: 1}
	user := core.NewUserProfile("u")
	user.State = core.StateWarm
	user.Affinity = map[string]float64{"news": 0.8, "sports": 0.2}

	out, _ := n.Process(context.Background(), &core.RecommendContext{N: 2, Now: t0, User: user},
		[]*core.Candidate{cand("s", 0.9, "sports"), cand("n", 0.1, "news")})
	if ids(out) != "[n s]" {
		t.Errorf("got %s, want [n s]", ids(out))
	}
}
