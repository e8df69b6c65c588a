package recall

import (
	"context"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/breaker"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

const (
	DefaultPoolFactor   = 3
	DefaultMinPool      = 50
	DefaultRetryBackoff = 10 * time.Millisecond
)

// ANN 是向量召回源：用画像中增量维护的查询向量查询 Embedding Index。
//
// 画像缺失或查询向量为空时返回空池（调用方走冷启动兜底）；
// 查询在 Timeout 内未返回时放弃等待并返回空池，迟到的结果被丢弃。
type ANN struct {
	Index    core.EmbeddingIndex
	Profiles core.ProfileStore // 仅 Retrieve 使用

	Timeout      time.Duration
	RetryBackoff time.Duration

	// 召回池大小 = PoolFactor × N，且不小于 MinPool
	PoolFactor int
	MinPool    int
}

func (r *ANN) Name() string { return "ann" }

// PoolSize 返回期望 n 条结果时的召回池大小。
func (r *ANN) PoolSize(n int) int {
	factor := r.PoolFactor
	if factor <= 0 {
		factor = DefaultPoolFactor
	}
	minPool := r.MinPool
	if minPool <= 0 {
		minPool = DefaultMinPool
	}
	if size := factor * n; size > minPool {
		return size
	}
	return minPool
}

// Recall 使用请求上下文中已加载的画像。
func (r *ANN) Recall(ctx context.Context, rctx *core.RecommendContext) ([]*core.Candidate, error) {
	return r.retrieve(ctx, rctx.User, r.PoolSize(rctx.Want()))
}

// Retrieve 按用户 ID 读取画像后召回。
func (r *ANN) Retrieve(ctx context.Context, userID string, poolSize int) ([]*core.Candidate, error) {
	if r.Profiles == nil {
		return nil, nil
	}
	profile, err := r.Profiles.Get(ctx, userID)
	if err != nil {
		if core.IsNotFound(err) || core.IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return r.retrieve(ctx, profile, poolSize)
}

type annResult struct {
	hits []core.Hit
	err  error
}

func (r *ANN) retrieve(ctx context.Context, profile *core.UserProfile, poolSize int) ([]*core.Candidate, error) {
	if r.Index == nil || profile == nil || len(profile.QueryVector) == 0 || poolSize <= 0 {
		return nil, nil
	}
	backoff := r.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	hits, err := breaker.RetryOnce(ctx, backoff, func(ctx context.Context) ([]core.Hit, error) {
		return r.query(ctx, profile.QueryVector, poolSize)
	})
	if err != nil {
		switch {
		case core.IsTimeout(err):
			metrics.RetrievalSoftFail.WithLabelValues(r.Name(), "timeout").Inc()
			logging.Ctx(ctx).Debug().Str("user", profile.UserID).Msg("ann query timed out")
			return nil, nil
		case core.IsMalformed(err):
			// 画像向量与索引维度不一致（例如模型换代）：当作冷启动处理
			metrics.RetrievalSoftFail.WithLabelValues(r.Name(), "malformed").Inc()
			logging.Ctx(ctx).Warn().Err(err).Str("user", profile.UserID).Msg("ann query rejected")
			return nil, nil
		}
		return nil, err
	}

	out := make([]*core.Candidate, 0, len(hits))
	for _, h := range hits {
		if h.Item == nil {
			continue
		}
		out = append(out, core.NewCandidate(h.Item, h.Similarity))
	}
	return out, nil
}

// query 在超时内执行一次索引查询；超时或取消时立即返回，查询 goroutine 的结果被丢弃。
func (r *ANN) query(ctx context.Context, vec []float64, k int) ([]core.Hit, error) {
	qctx, cancel := ctx, context.CancelFunc(func() {})
	if r.Timeout > 0 {
		qctx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	defer cancel()

	ch := make(chan annResult, 1)
	go func() {
		hits, err := r.Index.QueryTopK(qctx, vec, k)
		ch <- annResult{hits: hits, err: err}
	}()

	select {
	case <-qctx.Done():
		return nil, core.AsTimeout(core.ModuleRecall, qctx.Err())
	case res := <-ch:
		return res.hits, core.AsTimeout(core.ModuleRecall, res.err)
	}
}
