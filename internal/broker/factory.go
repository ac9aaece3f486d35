package broker

import (
	"context"
	"fmt"

	"flowgate/internal/config"
)

// NewMessageBroker 按协调器配置创建消息代理
func NewMessageBroker(ctx context.Context, cfg config.CoordinatorConfig, nodeID string) (MessageBroker, error) {
	switch cfg.Broker {
	case "memory", "":
		return NewMemoryBroker(ctx, nodeID), nil

	case "redis":
		return NewRedisBroker(ctx, &RedisBrokerConfig{
			Addrs:       cfg.Redis.Addrs,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			ClusterMode: cfg.Redis.ClusterMode,
			PoolSize:    cfg.Redis.PoolSize,
		}, nodeID)

	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Broker)
	}
}
