// Package service 编排一次推荐请求与反馈上报：加载画像、执行 Pipeline、
// 记录会话、产生曝光事件。HTTP 层只做协议转换。
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/feedback"
	"github.com/rushteam/rslash/filter"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/breaker"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// Ingestor 是反馈消费者的接口，feedback.Ingestor 满足它。
type Ingestor interface {
	Ingest(ev *core.FeedbackEvent) error
	Reset(ctx context.Context, userID string) error
	Stats() feedback.Stats
}

// Options 推荐服务参数。
type Options struct {
	// TopN 是请求未指定条数时的默认值
	TopN int
	// MaxN 是单次请求条数上限
	MaxN int
	// ProfileTimeout 是读取画像的超时，超时按冷启动处理
	ProfileTimeout time.Duration
	// RetryBackoff 是画像存储不可用时重试前的等待
	RetryBackoff time.Duration
	// SessionTimeout 是写会话缓存的超时
	SessionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TopN <= 0 {
		o.TopN = 10
	}
	if o.MaxN < o.TopN {
		o.MaxN = max(o.TopN, 100)
	}
	if o.ProfileTimeout <= 0 {
		o.ProfileTimeout = 50 * time.Millisecond
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 10 * time.Millisecond
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 50 * time.Millisecond
	}
	return o
}

// Feed 是推荐服务。
type Feed struct {
	pipeline *pipeline.Pipeline
	profiles core.ProfileStore
	sessions core.SessionCache
	ingestor Ingestor
	opts     Options
	now      func() time.Time
}

// NewFeed 创建推荐服务。sessions 为空时不做会话记录。
func NewFeed(p *pipeline.Pipeline, profiles core.ProfileStore, sessions core.SessionCache, ing Ingestor, opts Options) *Feed {
	return &Feed{
		pipeline: p,
		profiles: profiles,
		sessions: sessions,
		ingestor: ing,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// WithClock 替换时钟（测试用）。
func (f *Feed) WithClock(now func() time.Time) *Feed {
	f.now = now
	return f
}

// FeedRequest 是一次推荐请求。Seed 为 0 时按时间生成。
type FeedRequest struct {
	UserID    string
	SessionID string
	N         int
	Seed      int64
}

// FeedItem 是返回给调用方的一条推荐。
type FeedItem struct {
	ItemID      string  `json:"itemId"`
	Score       float64 `json:"score"`
	Exploration bool    `json:"exploration"`
}

// FeedResponse 推荐结果。Degraded 列出本次请求中不可用的依赖。
type FeedResponse struct {
	Items    []FeedItem `json:"items"`
	Degraded []string   `json:"degraded,omitempty"`
}

// Recommend 返回用户的推荐列表。没有候选时返回空列表而不是错误；
// 只有结果为空且有依赖不可用时才返回 UNAVAILABLE。
func (f *Feed) Recommend(ctx context.Context, req FeedRequest) (*FeedResponse, error) {
	start := time.Now()
	if req.UserID == "" || req.SessionID == "" {
		metrics.FeedRequests.WithLabelValues("invalid").Inc()
		return nil, core.NewDomainError(core.ModuleService, core.ErrorCodeInvalidInput, "service: user and session are required")
	}
	n := req.N
	switch {
	case n <= 0:
		n = f.opts.TopN
	case n > f.opts.MaxN:
		n = f.opts.MaxN
	}
	seed := req.Seed
	if seed == 0 {
		seed = f.now().UnixNano()
	}
	rctx := &core.RecommendContext{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		N:         n,
		Seed:      seed,
		Now:       f.now(),
	}
	rctx.User = f.loadProfile(ctx, rctx)

	out, err := f.pipeline.Run(ctx, rctx, nil)
	if err != nil {
		metrics.FeedRequests.WithLabelValues("error").Inc()
		return nil, core.AsTimeout(core.ModuleService, err)
	}
	if len(out) > n {
		out = out[:n]
	}
	degraded := rctx.Degraded()
	if len(out) == 0 && len(degraded) > 0 {
		metrics.FeedRequests.WithLabelValues("unavailable").Inc()
		logging.Ctx(ctx).Error().Strs("degraded", degraded).Str("user", req.UserID).Msg("feed unavailable")
		return nil, core.NewDomainError(core.ModuleService, core.ErrorCodeUnavailable, "service: backends unavailable")
	}

	f.recordSession(ctx, rctx, out)
	f.emitImpressions(rctx, out)

	resp := &FeedResponse{Items: make([]FeedItem, len(out)), Degraded: degraded}
	for i, c := range out {
		resp.Items[i] = FeedItem{ItemID: c.ID(), Score: c.Score, Exploration: c.Exploration}
	}

	outcome := "ok"
	if len(out) == 0 {
		outcome = "empty"
	}
	metrics.FeedRequests.WithLabelValues(outcome).Inc()
	metrics.FeedLatency.Observe(time.Since(start).Seconds())
	metrics.FeedItems.Observe(float64(len(out)))
	return resp, nil
}

// loadProfile 读取画像；不存在、超时或不可用时按冷启动处理，不可用会标记降级。
func (f *Feed) loadProfile(ctx context.Context, rctx *core.RecommendContext) *core.UserProfile {
	pctx, cancel := context.WithTimeout(ctx, f.opts.ProfileTimeout)
	defer cancel()
	p, err := breaker.RetryOnce(pctx, f.opts.RetryBackoff, func(ctx context.Context) (*core.UserProfile, error) {
		return f.profiles.Get(ctx, rctx.UserID)
	})
	switch {
	case err == nil:
		return p
	case core.IsNotFound(err):
		return nil
	case core.IsTimeout(err):
		metrics.RetrievalSoftFail.WithLabelValues("profile", "timeout").Inc()
		logging.Ctx(ctx).Warn().Str("user", rctx.UserID).Msg("profile load timed out, treating as cold start")
		return nil
	case core.IsUnavailable(err):
		rctx.MarkDegraded(core.ModuleFeature)
		metrics.RetrievalSoftFail.WithLabelValues("profile", "unavailable").Inc()
	default:
		metrics.RetrievalSoftFail.WithLabelValues("profile", "error").Inc()
	}
	logging.Ctx(ctx).Warn().Err(err).Str("user", rctx.UserID).Msg("profile load failed, treating as cold start")
	return nil
}

func (f *Feed) recordSession(ctx context.Context, rctx *core.RecommendContext, out []*core.Candidate) {
	if f.sessions == nil || len(out) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.SessionTimeout)
	defer cancel()
	if err := f.sessions.Record(sctx, filter.SessionKey(rctx.UserID, rctx.SessionID), core.IDs(out)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("session", rctx.SessionID).Msg("session record failed")
	}
}

func (f *Feed) emitImpressions(rctx *core.RecommendContext, out []*core.Candidate) {
	if f.ingestor == nil {
		return
	}
	for i, c := range out {
		ev := &core.FeedbackEvent{
			ID:          uuid.NewString(),
			Type:        core.EventImpression,
			UserID:      rctx.UserID,
			ItemID:      c.ID(),
			SessionID:   rctx.SessionID,
			Timestamp:   rctx.Now,
			Position:    i,
			Exploration: c.Exploration,
		}
		// 队列满时由 ingestor 计数丢弃，这里不关心结果
		_ = f.ingestor.Ingest(ev)
	}
}
