package vector

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rushteam/rslash/core"
)

func randVec(rng *rand.Rand, dim int) []float64 {
	v := make([]float64, dim)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}

// clustered 生成 clusters 个簇，每簇 per 个点，噪声较小。
func clustered(rng *rand.Rand, clusters, per, dim int, noise float64) ([]*core.Item, [][]float64) {
	centers := make([][]float64, clusters)
	var items []*core.Item
	for c := range centers {
		centers[c] = core.Normalize(randVec(rng, dim))
		for j := 0; j < per; j++ {
			v := make([]float64, dim)
			for d := range v {
				v[d] = centers[c][d] + noise*rng.NormFloat64()
			}
			items = append(items, &core.Item{
				ID:        fmt.Sprintf("c%02d-%03d", c, j),
				Embedding: v,
				CreatedAt: time.Unix(int64(j), 0),
			})
		}
	}
	return items, centers
}

func bruteForce(items []*core.Item, q []float64, k int) []string {
	type pair struct {
		id  string
		sim float64
	}
	qn := core.Normalize(q)
	ps := make([]pair, len(items))
	for i, it := range items {
		ps[i] = pair{it.ID, dot(core.Normalize(it.Embedding), qn)}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].sim != ps[j].sim {
			return ps[i].sim > ps[j].sim
		}
		return ps[i].id < ps[j].id
	})
	out := make([]string, 0, k)
	for i := 0; i < k && i < len(ps); i++ {
		out = append(out, ps[i].id)
	}
	return out
}

func hitIDs(hits []core.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestIndex_RecallOnClusteredData(t *testing.T) {
	const dim, k = 16, 10
	rng := rand.New(rand.NewSource(7))
	items, centers := clustered(rng, 40, 100, dim, 0.08)

	idx, err := New(Options{Dim: dim, Shards: 4, Lists: 16, Probes: 6, TrainThreshold: 64, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := idx.UpsertBatch(ctx, items[:500]); err != nil {
		t.Fatal(err)
	}
	// 剩余物品逐条写入，覆盖增量分配与重训练路径
	for _, it := range items[500:] {
		if err := idx.Upsert(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	if idx.Len() != len(items) {
		t.Fatalf("Len() = %d, want %d", idx.Len(), len(items))
	}
	if idx.Trained() != 4 {
		t.Fatalf("expected all shards to use IVF, got %d", idx.Trained())
	}

	var found, total int
	for i := 0; i < 50; i++ {
		q := make([]float64, dim)
		c := centers[i%len(centers)]
		for d := range q {
			q[d] = c[d] + 0.05*rng.NormFloat64()
		}
		want := bruteForce(items, q, k)
		hits, err := idx.QueryTopK(ctx, q, k)
		if err != nil {
			t.Fatal(err)
		}
		got := make(map[string]bool, len(hits))
		for _, h := range hits {
			got[h.ID] = true
		}
		for _, id := range want {
			total++
			if got[id] {
				found++
			}
		}
	}
	recall := float64(found) / float64(total)
	if recall < 0.95 {
		t.Errorf("recall@%d = %.3f, want >= 0.95", k, recall)
	}
}

func TestIndex_ExactBelowThreshold(t *testing.T) {
	const dim = 8
	rng := rand.New(rand.NewSource(3))
	items := make([]*core.Item, 200)
	for i := range items {
		items[i] = &core.Item{ID: fmt.Sprintf("i%03d", i), Embedding: randVec(rng, dim)}
	}
	idx, err := New(Options{Dim: dim, TrainThreshold: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.UpsertBatch(context.Background(), items); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		q := randVec(rng, dim)
		hits, err := idx.QueryTopK(context.Background(), q, 5)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := fmt.Sprint(hitIDs(hits)), fmt.Sprint(bruteForce(items, q, 5)); got != want {
			t.Fatalf("query %d: got %s, want %s", i, got, want)
		}
	}
}

func TestIndex_Deterministic(t *testing.T) {
	const dim = 12
	build := func() *Index {
		rng := rand.New(rand.NewSource(11))
		items, _ := clustered(rng, 10, 60, dim, 0.1)
		idx, err := New(Options{Dim: dim, Shards: 2, Lists: 8, Probes: 2, TrainThreshold: 50, Seed: 5})
		if err != nil {
			t.Fatal(err)
		}
		for _, it := range items {
			if err := idx.Upsert(context.Background(), it); err != nil {
				t.Fatal(err)
			}
		}
		return idx
	}
	a, b := build(), build()
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 20; i++ {
		q := randVec(rng, dim)
		ha, _ := a.QueryTopK(context.Background(), q, 8)
		hb, _ := b.QueryTopK(context.Background(), q, 8)
		again, _ := a.QueryTopK(context.Background(), q, 8)
		if fmt.Sprint(hitIDs(ha)) != fmt.Sprint(hitIDs(hb)) || fmt.Sprint(hitIDs(ha)) != fmt.Sprint(hitIDs(again)) {
			t.Fatalf("query %d not deterministic: %v / %v / %v", i, hitIDs(ha), hitIDs(hb), hitIDs(again))
		}
	}
}

func TestIndex_TiesOrderedByID(t *testing.T) {
	idx, _ := New(Options{Dim: 2})
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if err := idx.Upsert(ctx, &core.Item{ID: id, Embedding: []float64{1, 0}}); err != nil {
			t.Fatal(err)
		}
	}
	_ = idx.Upsert(ctx, &core.Item{ID: "z", Embedding: []float64{0, 1}})

	hits, err := idx.QueryTopK(ctx, []float64{2, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(hitIDs(hits)); got != "[a b c]" {
		t.Errorf("got %s, want [a b c]", got)
	}
}

func TestIndex_DimensionMismatch(t *testing.T) {
	idx, _ := New(Options{Dim: 3})
	ctx := context.Background()

	err := idx.Upsert(ctx, &core.Item{ID: "x", Embedding: []float64{1, 2}})
	if !core.IsMalformed(err) {
		t.Errorf("Upsert: expected malformed error, got %v", err)
	}
	_, err = idx.QueryTopK(ctx, []float64{1}, 3)
	if !core.IsMalformed(err) {
		t.Errorf("QueryTopK: expected malformed error, got %v", err)
	}
	err = idx.UpsertBatch(ctx, []*core.Item{
		{ID: "ok", Embedding: []float64{1, 0, 0}},
		{ID: "bad", Embedding: []float64{1}},
	})
	if !core.IsMalformed(err) {
		t.Errorf("UpsertBatch: expected malformed error, got %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("invalid batch must not be applied, Len() = %d", idx.Len())
	}
}

func TestIndex_UpsertReplaceAndRemove(t *testing.T) {
	const dim = 8
	rng := rand.New(rand.NewSource(21))
	items, centers := clustered(rng, 4, 40, dim, 0.05)
	idx, _ := New(Options{Dim: dim, Shards: 1, Lists: 4, Probes: 1, TrainThreshold: 32})
	ctx := context.Background()
	if err := idx.UpsertBatch(ctx, items); err != nil {
		t.Fatal(err)
	}

	// 把 c00-000 移到簇 3 的中心
	moved := &core.Item{ID: "c00-000", Embedding: centers[3]}
	if err := idx.Upsert(ctx, moved); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != len(items) {
		t.Fatalf("replace changed Len(): %d", idx.Len())
	}
	hits, _ := idx.QueryTopK(ctx, centers[3], 1)
	if len(hits) != 1 || hits[0].ID != "c00-000" {
		t.Fatalf("replaced item not found at new position: %v", hitIDs(hits))
	}
	got, err := idx.Get(ctx, "c00-000")
	if err != nil || got.Embedding[0] != centers[3][0] {
		t.Fatalf("Get returned stale item: %v %v", got, err)
	}

	if err := idx.Remove(ctx, "c00-000"); err != nil {
		t.Fatal(err)
	}
	if err := idx.Remove(ctx, "missing"); err != nil {
		t.Fatalf("removing an absent item must be a no-op, got %v", err)
	}
	hits, _ = idx.QueryTopK(ctx, centers[3], 200)
	for _, h := range hits {
		if h.ID == "c00-000" {
			t.Fatal("removed item still returned")
		}
	}
	if _, err := idx.Get(ctx, "c00-000"); !core.IsNotFound(err) {
		t.Errorf("Get after remove: %v", err)
	}
	if idx.Len() != len(items)-1 {
		t.Errorf("Len() = %d, want %d", idx.Len(), len(items)-1)
	}
}

func TestIndex_CallerMutationIsolated(t *testing.T) {
	idx, _ := New(Options{Dim: 2})
	it := &core.Item{ID: "a", Embedding: []float64{1, 0}, Categories: []string{"news"}}
	_ = idx.Upsert(context.Background(), it)
	it.Embedding[0] = 0
	it.Categories[0] = "sports"

	got, _ := idx.Get(context.Background(), "a")
	if got.Embedding[0] != 1 || got.Categories[0] != "news" {
		t.Errorf("stored item changed through caller's slices: %+v", got)
	}
}

func TestIndex_ConcurrentReadWrite(t *testing.T) {
	const dim = 8
	idx, _ := New(Options{Dim: dim, Shards: 4, Lists: 4, Probes: 2, TrainThreshold: 32})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 200; i++ {
				_ = idx.Upsert(ctx, &core.Item{ID: fmt.Sprintf("w%d-%d", w, i), Embedding: randVec(rng, dim)})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(100 + r)))
			for i := 0; i < 200; i++ {
				hits, err := idx.QueryTopK(ctx, randVec(rng, dim), 5)
				if err != nil {
					t.Error(err)
					return
				}
				for j := 1; j < len(hits); j++ {
					if hits[j].Similarity > hits[j-1].Similarity {
						t.Error("hits not sorted by similarity")
						return
					}
				}
			}
		}(r)
	}
	wg.Wait()
	if idx.Len() != 800 {
		t.Errorf("Len() = %d, want 800", idx.Len())
	}
}

func TestIndex_CanceledContext(t *testing.T) {
	idx, _ := New(Options{Dim: 2})
	_ = idx.Upsert(context.Background(), &core.Item{ID: "a", Embedding: []float64{1, 0}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := idx.QueryTopK(ctx, []float64{1, 0}, 1); err == nil {
		t.Error("expected error on canceled context")
	}
}

func TestIndex_InnerProductMetric(t *testing.T) {
	idx, err := New(Options{Dim: 2, Metric: MetricInnerProduct})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = idx.Upsert(ctx, &core.Item{ID: "long", Embedding: []float64{3, 0}})
	_ = idx.Upsert(ctx, &core.Item{ID: "unit", Embedding: []float64{1, 0}})
	hits, _ := idx.QueryTopK(ctx, []float64{1, 0}, 2)
	if hitIDs(hits)[0] != "long" || hits[0].Similarity != 3 {
		t.Errorf("inner product must not normalize: %+v", hits)
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"", MetricCosine, false},
		{"COSINE", MetricCosine, false},
		{"dot", MetricInnerProduct, false},
		{"inner_product", MetricInnerProduct, false},
		{"l2", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMetric(%q) = %q, %v", tt.in, got, err)
		}
	}
}
