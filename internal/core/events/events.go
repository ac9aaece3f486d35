// Package events 提供进程内事件总线
// 配额状态机的边沿触发事件通过总线传递给规则控制器等订阅方
package events

import (
	"time"

	"flowgate/internal/models"
)

// Event 事件接口
type Event interface {
	Type() string
	Timestamp() time.Time
	Source() string
}

// EventHandler 事件处理器
type EventHandler func(event Event) error

// EventBus 事件总线接口
type EventBus interface {
	// Publish 发布事件
	Publish(event Event) error

	// Subscribe 订阅事件
	Subscribe(eventType string, handler EventHandler) error

	// Unsubscribe 取消订阅
	Unsubscribe(eventType string, handler EventHandler) error

	// Close 关闭事件总线
	Close() error
}

// 事件类型常量
const (
	EventTypeQuotaTransition = "QuotaTransition"
	EventTypeUsageReset      = "UsageReset"
	EventTypeQuotaChanged    = "QuotaChanged"
)

// BaseEvent 基础事件实现
type BaseEvent struct {
	EventType   string    `json:"event_type"`
	EventTime   time.Time `json:"event_time"`
	EventSource string    `json:"event_source"`
}

func (e *BaseEvent) Type() string {
	return e.EventType
}

func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

func (e *BaseEvent) Source() string {
	return e.EventSource
}

// QuotaTransitionEvent 配额告警级别变化事件（仅在级别变化时发布）
type QuotaTransitionEvent struct {
	BaseEvent
	UserID       string            `json:"user_id"`
	FromLevel    models.AlertLevel `json:"from_level"`
	ToLevel      models.AlertLevel `json:"to_level"`
	UsagePercent float64           `json:"usage_percent"`
	Allowed      bool              `json:"allowed"`
}

// NewQuotaTransitionEvent 创建配额级别变化事件
func NewQuotaTransitionEvent(userID string, from, to models.AlertLevel, usagePercent float64, allowed bool) *QuotaTransitionEvent {
	return &QuotaTransitionEvent{
		BaseEvent: BaseEvent{
			EventType:   EventTypeQuotaTransition,
			EventTime:   time.Now(),
			EventSource: "UsageLedger",
		},
		UserID:       userID,
		FromLevel:    from,
		ToLevel:      to,
		UsagePercent: usagePercent,
		Allowed:      allowed,
	}
}

// UsageResetEvent 用量重置事件
type UsageResetEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// NewUsageResetEvent 创建用量重置事件
func NewUsageResetEvent(userID, reason string) *UsageResetEvent {
	return &UsageResetEvent{
		BaseEvent: BaseEvent{
			EventType:   EventTypeUsageReset,
			EventTime:   time.Now(),
			EventSource: "UsageLedger",
		},
		UserID: userID,
		Reason: reason,
	}
}

// QuotaChangedEvent 配额调整事件
type QuotaChangedEvent struct {
	BaseEvent
	UserID     string `json:"user_id"`
	QuotaBytes *int64 `json:"quota_bytes"` // nil 表示无限制
}

// NewQuotaChangedEvent 创建配额调整事件
func NewQuotaChangedEvent(userID string, quotaBytes *int64) *QuotaChangedEvent {
	return &QuotaChangedEvent{
		BaseEvent: BaseEvent{
			EventType:   EventTypeQuotaChanged,
			EventTime:   time.Now(),
			EventSource: "UsageLedger",
		},
		UserID:     userID,
		QuotaBytes: quotaBytes,
	}
}
