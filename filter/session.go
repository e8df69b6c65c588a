package filter

import (
	"context"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/pkg/metrics"
)

// SessionNode 用会话缓存剔除本会话窗口内已下发的候选。
// 缓存不可用或超时时原样放行：宁可重复，不返回空列表。
type SessionNode struct {
	Cache   core.SessionCache
	Timeout time.Duration
}

// SessionKey 是会话缓存的 key：同一 session ID 在不同用户间互不影响。
func SessionKey(userID, sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return userID + ":" + sessionID
}

func (n *SessionNode) Name() string        { return "filter.session" }
func (n *SessionNode) Kind() pipeline.Kind { return pipeline.KindFilter }

func (n *SessionNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	cands []*core.Candidate,
) ([]*core.Candidate, error) {
	if n.Cache == nil || len(cands) == 0 {
		return cands, nil
	}
	key := SessionKey(rctx.UserID, rctx.SessionID)
	if key == "" {
		return cands, nil
	}
	fctx := ctx
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	out, err := n.Cache.Filter(fctx, key, cands, rctx.Want())
	if err != nil {
		reason := "error"
		if core.IsTimeout(err) {
			reason = "timeout"
		}
		metrics.RetrievalSoftFail.WithLabelValues(n.Name(), reason).Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("session", rctx.SessionID).Msg("session filter failed, serving unfiltered")
		return cands, nil
	}
	return out, nil
}
