package health

import (
	"context"
	"time"
)

// PingChecker 基于 Ping 函数的健康检查器
// 存储与消息代理这类带连通性探测的组件用它接入
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker 创建 Ping 检查器
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Check 执行连通性检查
func (p *PingChecker) Check(ctx context.Context) (*ComponentHealth, error) {
	h := &ComponentHealth{
		Name:      p.name,
		Status:    ComponentStatusHealthy,
		LastCheck: time.Now(),
	}

	if err := p.ping(ctx); err != nil {
		h.Status = ComponentStatusUnhealthy
		h.Message = err.Error()
	}
	return h, nil
}

var _ HealthChecker = (*PingChecker)(nil)
