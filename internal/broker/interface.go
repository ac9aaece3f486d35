// Package broker 提供跨进程消息代理抽象
// 缓存失效与规则变更通知通过代理广播到其它引擎控制进程；
// 广播是尽力而为的，丢失由周期对账兜底
package broker

import (
	"context"
	"time"
)

// MessageBroker 消息代理接口
type MessageBroker interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, message []byte) error

	// Subscribe 订阅主题，返回消息通道
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Unsubscribe 取消订阅
	Unsubscribe(ctx context.Context, topic string) error

	// Ping 检查代理连通性
	Ping(ctx context.Context) error

	// Close 关闭连接
	Close() error
}

// Message 消息结构
type Message struct {
	Topic     string    `json:"topic"`     // 消息主题
	Payload   []byte    `json:"payload"`   // 消息内容
	Timestamp time.Time `json:"timestamp"` // 消息时间戳
	NodeID    string    `json:"node_id"`   // 发布者节点ID
}

// Topic 常量定义
const (
	TopicUsageInvalidate = "usage.invalidate" // 用户用量失效
	TopicRuleChanged     = "rule.changed"     // 规则创建或更新
	TopicRuleDeleted     = "rule.deleted"     // 规则删除
)
