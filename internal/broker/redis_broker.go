package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"flowgate/internal/core/dispose"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/core/safe"
)

// channelPrefix Redis 频道前缀，避免与共用实例上的其它应用冲突
const channelPrefix = "flowgate:"

// RedisBrokerConfig Redis 代理配置
type RedisBrokerConfig struct {
	Addrs       []string // Redis 地址列表
	Password    string   // 密码
	DB          int      // 数据库编号
	ClusterMode bool     // 是否集群模式
	PoolSize    int      // 连接池大小
}

// RedisBroker 基于 Redis Pub/Sub 的消息代理
type RedisBroker struct {
	*dispose.ServiceBase
	client      redis.UniversalClient
	pubsub      *redis.PubSub
	subscribers map[string]chan *Message
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewRedisBroker 创建 Redis 消息代理并验证连通性
func NewRedisBroker(parentCtx context.Context, config *RedisBrokerConfig, nodeID string) (*RedisBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("redis broker config is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 50
	}

	var client redis.UniversalClient
	if config.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    config.Addrs,
			Password: config.Password,
			PoolSize: config.PoolSize,
		})
	} else {
		addr := "localhost:6379"
		if len(config.Addrs) > 0 {
			addr = config.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.Password,
			DB:       config.DB,
			PoolSize: config.PoolSize,
		})
	}

	pingCtx, cancel := context.WithTimeout(parentCtx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := &RedisBroker{
		ServiceBase: dispose.NewService("RedisBroker", parentCtx),
		client:      client,
		subscribers: make(map[string]chan *Message),
		nodeID:      nodeID,
	}

	corelog.Infof("RedisBroker initialized for node: %s (cluster_mode: %v)", nodeID, config.ClusterMode)
	return r, nil
}

func channelFor(topic string) string {
	return channelPrefix + topic
}

func topicFor(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

// Publish 发布消息到指定主题
func (r *RedisBroker) Publish(ctx context.Context, topic string, message []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    r.nodeID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.client.Publish(ctx, channelFor(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，返回消息通道
// 每个主题在本进程内至多一个本地通道
func (r *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	if _, exists := r.subscribers[topic]; exists {
		return nil, fmt.Errorf("already subscribed to topic: %s", topic)
	}

	msgChan := make(chan *Message, subscriberBuffer)
	r.subscribers[topic] = msgChan

	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(r.Ctx())
	}
	if err := r.pubsub.Subscribe(r.Ctx(), channelFor(topic)); err != nil {
		delete(r.subscribers, topic)
		close(msgChan)
		return nil, fmt.Errorf("failed to subscribe to redis: %w", err)
	}

	if len(r.subscribers) == 1 {
		safe.Go("redis-broker-receive", r.receiveLoop)
	}

	corelog.Debugf("RedisBroker: subscribed to topic %s", topic)
	return msgChan, nil
}

// receiveLoop 接收 Redis 消息并分发到本地订阅通道
func (r *RedisBroker) receiveLoop() {
	for {
		select {
		case <-r.Ctx().Done():
			return
		default:
		}

		msg, err := r.pubsub.ReceiveMessage(r.Ctx())
		if err != nil {
			r.mu.RLock()
			closed := r.closed
			r.mu.RUnlock()
			if closed || r.Ctx().Err() != nil {
				return
			}
			corelog.Errorf("RedisBroker: failed to receive message: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var message Message
		if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
			corelog.Errorf("RedisBroker: failed to unmarshal message on %s: %v", msg.Channel, err)
			continue
		}
		if message.Topic == "" {
			message.Topic = topicFor(msg.Channel)
		}

		r.mu.RLock()
		ch, exists := r.subscribers[message.Topic]
		r.mu.RUnlock()
		if !exists {
			continue
		}

		select {
		case ch <- &message:
		case <-r.Ctx().Done():
			return
		default:
			corelog.Warnf("RedisBroker: subscriber channel full for topic %s, dropping message", message.Topic)
		}
	}
}

// Unsubscribe 取消订阅并关闭本地通道
func (r *RedisBroker) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}

	ch, exists := r.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}

	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(ctx, channelFor(topic)); err != nil {
			corelog.Warnf("RedisBroker: failed to unsubscribe from redis: %v", err)
		}
	}
	close(ch)
	delete(r.subscribers, topic)
	return nil
}

// Ping 检查 Redis 连接
func (r *RedisBroker) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭消息代理
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			corelog.Warnf("RedisBroker: failed to close pubsub: %v", err)
		}
	}
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = make(map[string]chan *Message)

	if err := r.client.Close(); err != nil {
		corelog.Warnf("RedisBroker: failed to close redis client: %v", err)
	}
	r.mu.Unlock()

	corelog.Infof("RedisBroker closed for node: %s", r.nodeID)
	result := r.ServiceBase.Close()
	if result != nil && result.HasErrors() {
		return fmt.Errorf("redis broker close: %s", result.Error())
	}
	return nil
}

var _ MessageBroker = (*RedisBroker)(nil)
