package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rushteam/rslash/core"
)

// Options 索引参数
type Options struct {
	Dim    int    `koanf:"dim"`
	Metric Metric `koanf:"metric"`

	// Shards 分片数，物品按 ID 哈希分布；每个分片独立加写锁
	Shards int `koanf:"shards"`

	// Lists 每个分片的 IVF 倒排列表数（k-means 质心数）
	Lists int `koanf:"lists"`

	// Probes 查询时每个分片探测的列表数，越大召回越高、越慢
	Probes int `koanf:"probes"`

	// TrainThreshold 分片物品数达到该值后从暴力扫描切换到 IVF
	TrainThreshold int `koanf:"train_threshold"`

	// Seed k-means 初始化种子
	Seed int64 `koanf:"seed"`
}

func (o Options) withDefaults() Options {
	if o.Metric == "" {
		o.Metric = MetricCosine
	}
	if o.Shards <= 0 {
		o.Shards = 8
	}
	if o.Lists <= 0 {
		o.Lists = 32
	}
	if o.Probes <= 0 {
		o.Probes = 8
	}
	if o.TrainThreshold <= 0 {
		o.TrainThreshold = 1024
	}
	return o
}

// Index 是进程内的近似最近邻索引。
//
// 结构：
//   - 物品按 ID 哈希分到若干分片
//   - 每个分片持有一个不可变快照（atomic.Pointer），写入者在分片锁内构造新快照后整体替换
//   - 快照在物品少时暴力扫描，超过阈值后用 k-means 粗量化做 IVF，查询只扫描最近的 Probes 个列表
//
// 读永远不等待写：查询只做一次指针读取，之后在不可变快照上计算。
type Index struct {
	opts   Options
	shards []*shard
	size   atomic.Int64
}

// New 创建空索引。
func New(opts Options) (*Index, error) {
	opts = opts.withDefaults()
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", opts.Dim)
	}
	if _, err := ParseMetric(string(opts.Metric)); err != nil {
		return nil, err
	}
	x := &Index{opts: opts, shards: make([]*shard, opts.Shards)}
	for i := range x.shards {
		s := &shard{seed: opts.Seed + int64(i)}
		s.snap.Store(emptySnapshot())
		x.shards[i] = s
	}
	return x, nil
}

// Options 返回索引参数。
func (x *Index) Options() Options { return x.opts }

// Len 返回物品数量。
func (x *Index) Len() int { return int(x.size.Load()) }

func (x *Index) shardOf(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return x.shards[h.Sum32()%uint32(len(x.shards))]
}

func (x *Index) validate(item *core.Item) error {
	if item == nil || item.ID == "" {
		return core.Malformed(core.ModuleVector, "vector: item without id")
	}
	if len(item.Embedding) != x.opts.Dim {
		return core.Malformed(core.ModuleVector, fmt.Sprintf("vector: item %s has dimension %d, want %d", item.ID, len(item.Embedding), x.opts.Dim))
	}
	return nil
}

// Upsert 写入或替换一个物品。
func (x *Index) Upsert(ctx context.Context, item *core.Item) error {
	return x.UpsertBatch(ctx, []*core.Item{item})
}

// UpsertBatch 批量写入，每个分片只复制一次快照。
// 任一物品非法时整批拒绝。
func (x *Index) UpsertBatch(ctx context.Context, items []*core.Item) error {
	groups := make(map[*shard][]*entry)
	for _, item := range items {
		if err := x.validate(item); err != nil {
			return err
		}
		vec := x.opts.Metric.prepare(item.Embedding)
		if vec == nil {
			return core.Malformed(core.ModuleVector, fmt.Sprintf("vector: item %s has zero embedding", item.ID))
		}
		s := x.shardOf(item.ID)
		groups[s] = append(groups[s], &entry{item: item.Clone(), vec: vec})
	}
	for s, es := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.size.Add(int64(s.apply(x.opts, es, nil)))
	}
	return nil
}

// Remove 删除物品，不存在时为空操作。
func (x *Index) Remove(ctx context.Context, itemID string) error {
	s := x.shardOf(itemID)
	x.size.Add(int64(s.apply(x.opts, nil, []string{itemID})))
	return nil
}

// Get 按 ID 读取物品。
func (x *Index) Get(_ context.Context, itemID string) (*core.Item, error) {
	if e, ok := x.shardOf(itemID).snap.Load().entries[itemID]; ok {
		return e.item, nil
	}
	return nil, core.ErrItemNotFound
}

// QueryTopK 并行查询所有分片后合并，结果按相似度降序、ID 升序。
func (x *Index) QueryTopK(ctx context.Context, vector []float64, k int) ([]core.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vector) != x.opts.Dim {
		return nil, core.Malformed(core.ModuleVector, fmt.Sprintf("vector: query has dimension %d, want %d", len(vector), x.opts.Dim))
	}
	q := x.opts.Metric.prepare(vector)
	if q == nil {
		return nil, nil
	}

	partial := make([][]scored, len(x.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range x.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			partial[i] = s.snap.Load().search(q, k, x.opts.Probes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.AsTimeout(core.ModuleVector, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, core.AsTimeout(core.ModuleVector, err)
	}

	var merged []scored
	for _, p := range partial {
		merged = append(merged, p...)
	}
	sort.Slice(merged, func(i, j int) bool { return worse(merged[j], merged[i]) })
	if len(merged) > k {
		merged = merged[:k]
	}
	hits := make([]core.Hit, len(merged))
	for i, s := range merged {
		hits[i] = core.Hit{ID: s.id, Similarity: s.sim, Item: s.e.item}
	}
	return hits, nil
}

// Items 返回全部物品（按 ID 排序），用于持久化快照。
func (x *Index) Items() []*core.Item {
	out := make([]*core.Item, 0, x.Len())
	for _, s := range x.shards {
		for _, e := range s.snap.Load().entries {
			out = append(out, e.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trained 返回已切换到 IVF 的分片数量（观测用）。
func (x *Index) Trained() int {
	n := 0
	for _, s := range x.shards {
		if s.snap.Load().centroids != nil {
			n++
		}
	}
	return n
}

type entry struct {
	item *core.Item
	vec  []float64
	list int
}

type snapshot struct {
	entries   map[string]*entry
	centroids [][]float64
	lists     [][]*entry
	trainedAt int
}

func emptySnapshot() *snapshot {
	return &snapshot{entries: map[string]*entry{}}
}

type shard struct {
	mu   sync.Mutex
	seed int64
	snap atomic.Pointer[snapshot]
}

// apply 在分片写锁内构造新快照并替换，返回物品数变化量。
func (s *shard) apply(opts Options, upserts []*entry, removes []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	next := &snapshot{
		entries:   make(map[string]*entry, len(old.entries)+len(upserts)),
		centroids: old.centroids,
		trainedAt: old.trainedAt,
	}
	for id, e := range old.entries {
		next.entries[id] = e
	}

	changed := make(map[string]struct{}, len(upserts)+len(removes))
	touched := make(map[int]struct{})
	for _, id := range removes {
		if e, ok := next.entries[id]; ok {
			delete(next.entries, id)
			changed[id] = struct{}{}
			touched[e.list] = struct{}{}
		}
	}
	for _, e := range upserts {
		id := e.item.ID
		if prev, ok := next.entries[id]; ok {
			touched[prev.list] = struct{}{}
		}
		if next.centroids != nil {
			e.list = nearestCentroid(next.centroids, e.vec)
			touched[e.list] = struct{}{}
		}
		next.entries[id] = e
		changed[id] = struct{}{}
	}

	n := len(next.entries)
	switch {
	case next.centroids == nil && n >= opts.TrainThreshold:
		next.train(opts, s.seed)
	case next.centroids != nil && n >= 2*next.trainedAt:
		next.train(opts, s.seed)
	case next.centroids != nil:
		next.lists = make([][]*entry, len(old.lists))
		copy(next.lists, old.lists)
		for l := range touched {
			rebuilt := make([]*entry, 0, len(old.lists[l])+1)
			for _, e := range old.lists[l] {
				if _, ok := changed[e.item.ID]; !ok {
					rebuilt = append(rebuilt, e)
				}
			}
			next.lists[l] = rebuilt
		}
		for _, e := range upserts {
			if cur := next.entries[e.item.ID]; cur == e {
				next.lists[e.list] = append(next.lists[e.list], e)
			}
		}
	}

	s.snap.Store(next)
	return n - len(old.entries)
}

// train 重新训练质心并重建倒排列表。旧快照中的 entry 不被修改。
func (sn *snapshot) train(opts Options, seed int64) {
	ids := make([]string, 0, len(sn.entries))
	for id := range sn.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	vecs := make([][]float64, len(ids))
	for i, id := range ids {
		vecs[i] = sn.entries[id].vec
	}
	sn.centroids = trainCentroids(vecs, opts.Lists, seed, opts.Metric == MetricCosine)
	sn.lists = make([][]*entry, len(sn.centroids))
	for _, id := range ids {
		old := sn.entries[id]
		e := &entry{item: old.item, vec: old.vec, list: nearestCentroid(sn.centroids, old.vec)}
		sn.entries[id] = e
		sn.lists[e.list] = append(sn.lists[e.list], e)
	}
	sn.trainedAt = len(ids)
}

// search 在快照上检索 top-k。
func (sn *snapshot) search(q []float64, k, probes int) []scored {
	h := &hitHeap{}
	if sn.centroids == nil {
		for id, e := range sn.entries {
			h.offer(scored{id: id, sim: dot(e.vec, q), e: e}, k)
		}
	} else {
		for _, l := range topProbes(sn.centroids, q, probes) {
			for _, e := range sn.lists[l] {
				h.offer(scored{id: e.item.ID, sim: dot(e.vec, q), e: e}, k)
			}
		}
	}
	return *h
}
