package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/feedback"
)

// feedbackNamespace 是客户端未带 ID 时派生事件 ID 的 UUID 命名空间。
var feedbackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rslash:feedback"))

// FeedbackInput 是客户端上报的一条反馈。Kind 为 "impression" 时按曝光处理。
type FeedbackInput struct {
	ID          string
	UserID      string
	ItemID      string
	SessionID   string
	Kind        string
	Timestamp   time.Time
	Position    int
	Exploration bool
}

// EventID 返回反馈的确定性 ID：同一用户、物品、类型、时间的重复上报得到同一个 ID，
// 从而在 ingestor 中去重。
func EventID(user, item, kind string, ts time.Time) string {
	name := strings.Join([]string{user, item, kind, ts.UTC().Format(time.RFC3339Nano)}, "|")
	return uuid.NewSHA1(feedbackNamespace, []byte(name)).String()
}

// Feedback 把客户端反馈交给 ingestor，立即返回事件 ID。非法输入返回 MALFORMED。
func (f *Feed) Feedback(_ context.Context, in FeedbackInput) (string, error) {
	if f.ingestor == nil {
		return "", core.NewDomainError(core.ModuleService, core.ErrorCodeUnavailable, "service: feedback disabled")
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = f.now()
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	ev := &core.FeedbackEvent{
		ID:        in.ID,
		UserID:    in.UserID,
		ItemID:    in.ItemID,
		SessionID: in.SessionID,
		Timestamp: ts,
	}
	if in.Kind == string(core.EventImpression) {
		ev.Type = core.EventImpression
		ev.Position = in.Position
		ev.Exploration = in.Exploration
	} else {
		ev.Type = core.EventInteraction
		ev.Kind = core.InteractionKind(in.Kind)
	}
	if ev.ID == "" {
		ev.ID = EventID(in.UserID, in.ItemID, in.Kind, ts)
	}
	if err := f.ingestor.Ingest(ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// UserStats 是单个用户的画像与探索统计，附带全局反馈统计。
type UserStats struct {
	UserID                 string               `json:"user"`
	State                  core.ProfileState    `json:"state"`
	Impressions            int64                `json:"impressions"`
	ExplorationImpressions int64                `json:"exploration_impressions"`
	ExplorationRate        float64              `json:"effective_exploration_rate"`
	Interactions           int64                `json:"interactions"`
	TopAffinities          []core.AffinityEntry `json:"top_affinities"`
	UpdatedAt              time.Time            `json:"updated_at"`
	Global                 *feedback.Stats      `json:"global,omitempty"`
}

// Stats 返回用户统计。画像不存在时返回冷启动的零值统计。
func (f *Feed) Stats(ctx context.Context, userID string) (*UserStats, error) {
	if userID == "" {
		return nil, core.NewDomainError(core.ModuleService, core.ErrorCodeInvalidInput, "service: user is required")
	}
	p, err := f.profiles.Get(ctx, userID)
	switch {
	case core.IsNotFound(err):
		p = core.NewUserProfile(userID)
	case err != nil:
		return nil, err
	}
	st := &UserStats{
		UserID:                 userID,
		State:                  p.State,
		Impressions:            p.Impressions,
		ExplorationImpressions: p.ExplorationImpressions,
		ExplorationRate:        p.ExplorationRate(),
		Interactions:           p.Interactions,
		TopAffinities:          p.TopAffinities(5),
		UpdatedAt:              p.UpdatedAt,
	}
	if f.ingestor != nil {
		g := f.ingestor.Stats()
		st.Global = &g
	}
	return st, nil
}

// Reset 把用户画像重置为冷启动。
func (f *Feed) Reset(ctx context.Context, userID string) error {
	if f.ingestor == nil {
		return f.profiles.Reset(ctx, userID)
	}
	return f.ingestor.Reset(ctx, userID)
}
