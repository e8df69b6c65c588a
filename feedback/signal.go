package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/pkg/logging"
)

// DefaultRefreshChannel 是刷新通知的默认 Redis 频道。
const DefaultRefreshChannel = "rslash:model-refresh"

// RefreshNotice 通知外部训练方：已累积足够的新交互，可以产出新的模型制品。
type RefreshNotice struct {
	Interactions    int64     `json:"interactions"`
	Impressions     int64     `json:"impressions"`
	ExplorationRate float64   `json:"exploration_rate"`
	At              time.Time `json:"at"`
}

// RefreshSignaler 发送刷新通知。失败只记录，不影响反馈处理。
type RefreshSignaler interface {
	Signal(ctx context.Context, n RefreshNotice) error
}

// LogSignaler 只写日志，单机部署或测试时使用。
type LogSignaler struct{}

func (LogSignaler) Signal(_ context.Context, n RefreshNotice) error {
	logging.Info().
		Str("component", "feedback").
		Int64("interactions", n.Interactions).
		Float64("exploration_rate", n.ExplorationRate).
		Msg("model refresh ready")
	return nil
}

// Publisher 是发布消息的最小接口，store.RedisStore 满足它。
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisSignaler 把通知以 JSON 发布到 Redis 频道。
type RedisSignaler struct {
	Pub     Publisher
	Channel string
}

func (s *RedisSignaler) Signal(ctx context.Context, n RefreshNotice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("feedback: encode refresh notice: %w", err)
	}
	ch := s.Channel
	if ch == "" {
		ch = DefaultRefreshChannel
	}
	if err := s.Pub.Publish(ctx, ch, payload); err != nil {
		return fmt.Errorf("feedback: publish refresh notice: %w", err)
	}
	return nil
}
