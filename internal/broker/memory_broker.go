package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowgate/internal/core/dispose"
	corelog "flowgate/internal/core/log"
)

// subscriberBuffer 订阅通道缓冲大小，写满时丢弃消息而不阻塞发布方
const subscriberBuffer = 100

// MemoryBroker 内存消息代理（单进程部署，无跨进程能力）
type MemoryBroker struct {
	*dispose.ServiceBase
	subscribers map[string][]chan *Message
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker(parentCtx context.Context, nodeID string) *MemoryBroker {
	m := &MemoryBroker{
		ServiceBase: dispose.NewService("MemoryBroker", parentCtx),
		subscribers: make(map[string][]chan *Message),
		nodeID:      nodeID,
	}

	corelog.Infof("MemoryBroker initialized for node: %s", nodeID)
	return m
}

// Publish 发布消息到指定主题
// 无订阅者时直接丢弃；订阅通道写满时跳过该订阅者
func (m *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers := m.subscribers[topic]
	if len(subscribers) == 0 {
		corelog.Debugf("MemoryBroker: no subscribers for topic %s, message dropped", topic)
		return nil
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    m.nodeID,
	}

	for _, ch := range subscribers {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			corelog.Warnf("MemoryBroker: subscriber channel full for topic %s, message dropped", topic)
		}
	}
	return nil
}

// Subscribe 订阅主题，返回消息通道
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	msgChan := make(chan *Message, subscriberBuffer)
	m.subscribers[topic] = append(m.subscribers[topic], msgChan)

	corelog.Debugf("MemoryBroker: new subscriber for topic %s (total: %d)", topic, len(m.subscribers[topic]))
	return msgChan, nil
}

// Unsubscribe 取消主题的全部订阅并关闭其通道
func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers, exists := m.subscribers[topic]
	if !exists {
		return fmt.Errorf("no subscribers for topic: %s", topic)
	}

	for _, ch := range subscribers {
		close(ch)
	}
	delete(m.subscribers, topic)
	return nil
}

// Ping 内存代理总是健康的
func (m *MemoryBroker) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}
	return nil
}

// Close 关闭消息代理
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	for _, subscribers := range m.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	m.subscribers = make(map[string][]chan *Message)
	m.mu.Unlock()

	corelog.Infof("MemoryBroker closed for node: %s", m.nodeID)
	result := m.ServiceBase.Close()
	if result != nil && result.HasErrors() {
		return fmt.Errorf("memory broker close: %s", result.Error())
	}
	return nil
}

// SubscriberCount 返回主题的订阅者数量（测试用）
func (m *MemoryBroker) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[topic])
}

var _ MessageBroker = (*MemoryBroker)(nil)
