// Package persistence 提供用量台账、配额事件与转发规则的持久化存储
package persistence

import (
	"context"

	"flowgate/internal/models"
)

// UsageStore 用户用量持久化接口
// 每用户一行；内存值是准入判定的权威来源，存储是跨重启的真相来源
type UsageStore interface {
	// GetUsage 获取用户用量行，不存在返回 ErrNotFound
	GetUsage(ctx context.Context, userID string) (*models.UserUsage, error)

	// ListUsage 列出所有用量行（周期性全量对账使用）
	ListUsage(ctx context.Context) ([]*models.UserUsage, error)

	// SaveUsage 写入用量行（按 user_id upsert）
	SaveUsage(ctx context.Context, usage *models.UserUsage) error

	// BatchSaveUsage 批量写入（台账刷盘使用）
	BatchSaveUsage(ctx context.Context, usages []*models.UserUsage) error
}

// EventStore 配额事件追加存储（append-only）
type EventStore interface {
	// AppendEvent 追加一条配额事件
	AppendEvent(ctx context.Context, event *models.QuotaEvent) error

	// ListEvents 按时间倒序列出用户的配额事件
	ListEvents(ctx context.Context, userID string, limit int) ([]*models.QuotaEvent, error)
}

// RuleStore 转发规则存储
// 规则由外部 CRUD 层创建；配额引擎读取全量规则并在配额原因下更新启用状态
type RuleStore interface {
	// GetRule 获取规则，不存在返回 ErrNotFound
	GetRule(ctx context.Context, ruleID string) (*models.Rule, error)

	// ListRules 列出所有规则（启动时构建端口归属缓存使用）
	ListRules(ctx context.Context) ([]*models.Rule, error)

	// ListUserRules 列出用户的所有规则
	ListUserRules(ctx context.Context, userID string) ([]*models.Rule, error)

	// SaveRule 写入规则（按 id upsert）
	SaveRule(ctx context.Context, rule *models.Rule) error

	// DeleteRule 删除规则，不存在不返回错误
	DeleteRule(ctx context.Context, ruleID string) error
}

// Store 组合存储接口
type Store interface {
	UsageStore
	EventStore
	RuleStore

	// Ping 检查存储连通性
	Ping(ctx context.Context) error

	// Close 关闭存储
	Close() error
}
