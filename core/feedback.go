package core

import (
	"fmt"
	"time"
)

// EventType 区分曝光与交互。
type EventType string

const (
	EventImpression  EventType = "impression"
	EventInteraction EventType = "interaction"
)

// InteractionKind 是交互类型。
type InteractionKind string

const (
	KindSkipFast  InteractionKind = "skip_fast"
	KindSkipSlow  InteractionKind = "skip_slow"
	KindLike      InteractionKind = "like"
	KindLongDwell InteractionKind = "long_dwell"
	KindNegative  InteractionKind = "negative"
)

// interactionSignals 交互类型到带符号权重的映射
var interactionSignals = map[InteractionKind]float64{
	KindLike:      1.0,
	KindLongDwell: 0.5,
	KindSkipFast:  -0.3,
	KindNegative:  -1.0,
	KindSkipSlow:  0,
}

// Signal 返回交互的带符号权重；未知类型返回 (0, false)。
func (k InteractionKind) Signal() (float64, bool) {
	s, ok := interactionSignals[k]
	return s, ok
}

// FeedbackEvent 是反馈事件（曝光或交互），一经发出不可变。
// 按 ID 幂等：同一 ID 重复投递只生效一次。
type FeedbackEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"user"`
	ItemID    string    `json:"item"`
	SessionID string    `json:"session,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// 曝光字段
	Position    int  `json:"position,omitempty"`
	Exploration bool `json:"exploration,omitempty"`

	// 交互字段
	Kind InteractionKind `json:"kind,omitempty"`
}

// Validate 校验事件，非法事件返回 MALFORMED。
func (e *FeedbackEvent) Validate() error {
	if e == nil {
		return Malformed(ModuleFeedback, "feedback: nil event")
	}
	if e.ID == "" {
		return Malformed(ModuleFeedback, "feedback: missing event id")
	}
	if e.UserID == "" || e.ItemID == "" {
		return Malformed(ModuleFeedback, fmt.Sprintf("feedback %s: missing user or item", e.ID))
	}
	switch e.Type {
	case EventImpression:
		if e.Position < 0 {
			return Malformed(ModuleFeedback, fmt.Sprintf("feedback %s: negative position", e.ID))
		}
	case EventInteraction:
		if _, ok := e.Kind.Signal(); !ok {
			return Malformed(ModuleFeedback, fmt.Sprintf("feedback %s: unknown kind %q", e.ID, e.Kind))
		}
	default:
		return Malformed(ModuleFeedback, fmt.Sprintf("feedback %s: unknown type %q", e.ID, e.Type))
	}
	return nil
}

// IsInteraction 是否为交互事件。
func (e *FeedbackEvent) IsInteraction() bool { return e.Type == EventInteraction }
