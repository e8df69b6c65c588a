// Package feedback 异步消费曝光与交互事件，在线更新用户画像与探索统计。
//
// 事件按用户哈希到固定 worker，同一用户的更新串行、不同用户并行。
// 每个 worker 有自己的有界队列：满了先丢最老的曝光，交互事件永不丢弃。
// 处理按事件 ID 幂等，重复投递只生效一次。
package feedback

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
	"github.com/rushteam/rslash/recall"
)

// SeenKeyPrefix 是去重标记的 key 前缀。
const SeenKeyPrefix = "feedback:seen:"

// Options 反馈处理参数。
type Options struct {
	Workers       int           `koanf:"workers"`
	QueueSize     int           `koanf:"queue_size"`
	DedupTTL      time.Duration `koanf:"dedup_ttl"`
	LearningRate  float64       `koanf:"learning_rate"`
	AffinityRate  float64       `koanf:"affinity_rate"`
	AffinityDecay float64       `koanf:"affinity_decay"`
	// RefreshEvery 每处理多少次交互发一次刷新通知，0 表示不发
	RefreshEvery int64  `koanf:"refresh_every"`
	TrendingKey  string `koanf:"trending_key"`
}

// DefaultOptions 返回默认参数。
func DefaultOptions() Options {
	return Options{
		Workers:       4,
		QueueSize:     10000,
		DedupTTL:      24 * time.Hour,
		LearningRate:  0.1,
		AffinityRate:  0.2,
		AffinityDecay: 0.95,
		RefreshEvery:  1000,
		TrendingKey:   recall.DefaultTrendingKey,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = d.DedupTTL
	}
	if o.LearningRate <= 0 {
		o.LearningRate = d.LearningRate
	}
	if o.AffinityRate <= 0 {
		o.AffinityRate = d.AffinityRate
	}
	if o.AffinityDecay <= 0 || o.AffinityDecay > 1 {
		o.AffinityDecay = d.AffinityDecay
	}
	if o.TrendingKey == "" {
		o.TrendingKey = d.TrendingKey
	}
	return o
}

// Deps 是 Ingestor 依赖的存储。Dedup 必填；Trending、Signaler 可为空。
type Deps struct {
	Profiles core.ProfileStore
	Index    core.EmbeddingIndex
	Dedup    core.Store
	Trending core.KeyValueStore
	Signaler RefreshSignaler
}

// Stats 是全局反馈统计。
type Stats struct {
	Impressions            int64   `json:"impressions"`
	ExplorationImpressions int64   `json:"exploration_impressions"`
	ExplorationRate        float64 `json:"effective_exploration_rate"`
	Interactions           int64   `json:"interactions"`
	Processed              int64   `json:"processed"`
	Dropped                int64   `json:"dropped"`
	Duplicates             int64   `json:"duplicates"`
	Malformed              int64   `json:"malformed"`
	Overflow               int64   `json:"overflow"`
	Failed                 int64   `json:"failed"`
	Queued                 int     `json:"queued"`
}

// Ingestor 是反馈消费者。
type Ingestor struct {
	opts   Options
	deps   Deps
	lp     LearningParams
	shards []*shardQueue
	log    zerolog.Logger

	seq     atomic.Uint64
	closed  atomic.Bool
	started atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	impressions, explorations, interactions atomic.Int64
	processed, dropped, duplicates          atomic.Int64
	malformed, overflow, failed             atomic.Int64
}

func New(opts Options, deps Deps) *Ingestor {
	opts = opts.withDefaults()
	per := (opts.QueueSize + opts.Workers - 1) / opts.Workers
	shards := make([]*shardQueue, opts.Workers)
	for i := range shards {
		shards[i] = newShardQueue(per)
	}
	return &Ingestor{
		opts:   opts,
		deps:   deps,
		lp:     LearningParams{AffinityDecay: opts.AffinityDecay, AffinityRate: opts.AffinityRate, LearningRate: opts.LearningRate},
		shards: shards,
		log:    logging.Component("feedback"),
		stop:   make(chan struct{}),
	}
}

// Start 启动 worker，每个队列一个。ctx 用于事件处理，取消后 worker 不再等待新事件。
func (g *Ingestor) Start(ctx context.Context) {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	for _, q := range g.shards {
		g.wg.Add(1)
		go g.work(ctx, q)
	}
	g.log.Info().Int("workers", len(g.shards)).Int("queue_size", g.opts.QueueSize).Msg("feedback ingestor started")
}

// Close 停止接收新事件，处理完已入队的事件后返回。
func (g *Ingestor) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	// 先在队列锁内关闭，之后与 Close 竞争的 Ingest 要么已入队，要么被拒绝
	for _, q := range g.shards {
		q.close()
	}
	close(g.stop)
	g.wg.Wait()
	// 未启动或因 ctx 取消提前退出的 worker 留下的事件，就地处理
	for _, q := range g.shards {
		for ev, ok := q.pop(); ok; ev, ok = q.pop() {
			metrics.FeedbackQueueDepth.Dec()
			g.handle(context.Background(), ev)
		}
	}
	metrics.FeedbackQueueDepth.Set(float64(g.depth()))
	g.log.Info().Int64("processed", g.processed.Load()).Msg("feedback ingestor stopped")
	return nil
}

// Ingest 校验并入队，从不阻塞。非法事件返回 MALFORMED，关闭后返回 UNAVAILABLE。
func (g *Ingestor) Ingest(ev *core.FeedbackEvent) error {
	if err := ev.Validate(); err != nil {
		g.malformed.Add(1)
		typ := "unknown"
		if ev != nil && ev.Type != "" {
			typ = string(ev.Type)
		}
		metrics.FeedbackDropped.WithLabelValues(typ, "malformed").Inc()
		g.log.Warn().Err(err).Msg("malformed feedback dropped")
		return err
	}
	if g.closed.Load() {
		return g.rejectClosed(ev)
	}

	res := g.shardFor(ev.UserID).push(g.seq.Add(1), ev)
	if res.closed {
		return g.rejectClosed(ev)
	}
	if res.evicted != nil {
		g.dropped.Add(1)
		metrics.FeedbackDropped.WithLabelValues(string(core.EventImpression), "evicted").Inc()
		g.log.Debug().Str("event", res.evicted.ID).Msg("queue full, oldest impression dropped")
	}
	if !res.admitted {
		g.dropped.Add(1)
		metrics.FeedbackDropped.WithLabelValues(string(ev.Type), "queue_full").Inc()
		g.log.Debug().Str("event", ev.ID).Msg("queue full, impression dropped")
		return nil
	}
	if res.overflow {
		g.overflow.Add(1)
		metrics.FeedbackOverflow.Inc()
	}
	metrics.FeedbackAccepted.WithLabelValues(string(ev.Type)).Inc()
	metrics.FeedbackQueueDepth.Inc()
	return nil
}

func (g *Ingestor) rejectClosed(ev *core.FeedbackEvent) error {
	g.dropped.Add(1)
	metrics.FeedbackDropped.WithLabelValues(string(ev.Type), "closed").Inc()
	return core.NewDomainError(core.ModuleFeedback, core.ErrorCodeUnavailable, "feedback: ingestor closed")
}

func (g *Ingestor) shardFor(userID string) *shardQueue {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

func (g *Ingestor) work(ctx context.Context, q *shardQueue) {
	defer g.wg.Done()
	for {
		if ev, ok := q.pop(); ok {
			metrics.FeedbackQueueDepth.Dec()
			g.handle(ctx, ev)
			continue
		}
		select {
		case <-q.ready:
		case <-g.stop:
			// 关闭前排空
			for {
				ev, ok := q.pop()
				if !ok {
					return
				}
				metrics.FeedbackQueueDepth.Dec()
				g.handle(context.WithoutCancel(ctx), ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Ingestor) handle(ctx context.Context, ev *core.FeedbackEvent) {
	if err := g.Process(ctx, ev); err != nil {
		g.log.Error().Err(err).Str("event", ev.ID).Str("user", ev.UserID).Msg("feedback processing failed")
	}
}

// Process 同步处理一条事件：去重、应用、标记已处理。worker 与测试共用。
func (g *Ingestor) Process(ctx context.Context, ev *core.FeedbackEvent) error {
	if err := ev.Validate(); err != nil {
		g.malformed.Add(1)
		metrics.FeedbackDropped.WithLabelValues("unknown", "malformed").Inc()
		return err
	}
	typ := string(ev.Type)
	seenKey := SeenKeyPrefix + ev.ID

	if g.deps.Dedup != nil {
		_, err := g.deps.Dedup.Get(ctx, seenKey)
		switch {
		case err == nil:
			g.duplicates.Add(1)
			metrics.FeedbackProcessed.WithLabelValues(typ, "duplicate").Inc()
			return nil
		case !core.IsNotFound(err):
			// 去重存储不可用时照常处理，可能重复计数
			g.log.Warn().Err(err).Str("event", ev.ID).Msg("dedup check failed")
		}
	}

	var err error
	if ev.IsInteraction() {
		err = g.applyInteraction(ctx, ev)
	} else {
		err = g.applyImpression(ctx, ev)
	}
	if err != nil {
		g.failed.Add(1)
		metrics.FeedbackProcessed.WithLabelValues(typ, "error").Inc()
		return err
	}

	if g.deps.Dedup != nil {
		if err := g.deps.Dedup.Set(ctx, seenKey, []byte{1}, int(g.opts.DedupTTL/time.Second)); err != nil {
			g.log.Warn().Err(err).Str("event", ev.ID).Msg("dedup mark failed")
		}
	}
	g.processed.Add(1)
	metrics.FeedbackProcessed.WithLabelValues(typ, "ok").Inc()
	return nil
}

func (g *Ingestor) applyImpression(ctx context.Context, ev *core.FeedbackEvent) error {
	_, err := g.deps.Profiles.Update(ctx, ev.UserID, func(p *core.UserProfile) error {
		p.Impressions++
		if ev.Exploration {
			p.ExplorationImpressions++
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.impressions.Add(1)
	if ev.Exploration {
		g.explorations.Add(1)
	}
	return nil
}

func (g *Ingestor) applyInteraction(ctx context.Context, ev *core.FeedbackEvent) error {
	s, _ := ev.Kind.Signal()

	item, err := g.deps.Index.Get(ctx, ev.ItemID)
	if err != nil {
		if !core.IsNotFound(err) {
			return err
		}
		// 物品已下架：仍计入交互，但没有类目和向量可用
		g.log.Debug().Str("item", ev.ItemID).Msg("interaction on unknown item")
		item = nil
	}

	_, err = g.deps.Profiles.Update(ctx, ev.UserID, func(p *core.UserProfile) error {
		if item != nil {
			applyAffinity(p, item.Categories, s, g.lp)
			applyQueryVector(p, item.Embedding, s, g.lp)
		}
		p.State = core.StateWarm
		p.Interactions++
		return nil
	})
	if err != nil {
		return err
	}

	if s > 0 && item != nil && g.deps.Trending != nil {
		if _, err := g.deps.Trending.ZIncrBy(ctx, g.opts.TrendingKey, s, item.ID); err != nil {
			g.log.Warn().Err(err).Str("item", item.ID).Msg("trending update failed")
		}
	}

	n := g.interactions.Add(1)
	if g.opts.RefreshEvery > 0 && n%g.opts.RefreshEvery == 0 {
		g.signalRefresh(ctx, n)
	}
	return nil
}

func (g *Ingestor) signalRefresh(ctx context.Context, n int64) {
	if g.deps.Signaler == nil {
		return
	}
	st := g.Stats()
	err := g.deps.Signaler.Signal(ctx, RefreshNotice{
		Interactions:    n,
		Impressions:     st.Impressions,
		ExplorationRate: st.ExplorationRate,
		At:              time.Now(),
	})
	if err != nil {
		metrics.RefreshSignals.WithLabelValues("error").Inc()
		g.log.Warn().Err(err).Msg("refresh signal failed")
		return
	}
	metrics.RefreshSignals.WithLabelValues("ok").Inc()
}

// Reset 把用户画像重置为冷启动。
func (g *Ingestor) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return core.NewDomainError(core.ModuleFeedback, core.ErrorCodeInvalidInput, "feedback: empty user id")
	}
	if err := g.deps.Profiles.Reset(ctx, userID); err != nil && !core.IsNotFound(err) {
		return err
	}
	g.log.Info().Str("user", userID).Msg("profile reset")
	return nil
}

// Stats 返回全局统计快照。
func (g *Ingestor) Stats() Stats {
	st := Stats{
		Impressions:            g.impressions.Load(),
		ExplorationImpressions: g.explorations.Load(),
		Interactions:           g.interactions.Load(),
		Processed:              g.processed.Load(),
		Dropped:                g.dropped.Load(),
		Duplicates:             g.duplicates.Load(),
		Malformed:              g.malformed.Load(),
		Overflow:               g.overflow.Load(),
		Failed:                 g.failed.Load(),
		Queued:                 g.depth(),
	}
	if st.Impressions > 0 {
		st.ExplorationRate = float64(st.ExplorationImpressions) / float64(st.Impressions)
	}
	return st
}

func (g *Ingestor) depth() int {
	n := 0
	for _, q := range g.shards {
		n += q.len()
	}
	return n
}
