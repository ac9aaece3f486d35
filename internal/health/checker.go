// Package health 提供组件健康检查
package health

import (
	"context"
	"time"
)

// ComponentStatus 组件状态
type ComponentStatus string

const (
	ComponentStatusHealthy   ComponentStatus = "healthy"
	ComponentStatusUnhealthy ComponentStatus = "unhealthy"
)

// ComponentHealth 组件健康信息
type ComponentHealth struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LastCheck time.Time       `json:"last_check"`
}

// HealthChecker 健康检查器接口
type HealthChecker interface {
	// Check 执行健康检查，返回组件健康信息
	Check(ctx context.Context) (*ComponentHealth, error)
}

// CompositeHealthChecker 组合健康检查器
type CompositeHealthChecker struct {
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewCompositeHealthChecker 创建组合健康检查器
func NewCompositeHealthChecker(timeout time.Duration) *CompositeHealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &CompositeHealthChecker{
		checkers: make(map[string]HealthChecker),
		timeout:  timeout,
	}
}

// RegisterChecker 注册健康检查器
func (c *CompositeHealthChecker) RegisterChecker(name string, checker HealthChecker) {
	c.checkers[name] = checker
}

// CheckAll 检查所有注册的组件
func (c *CompositeHealthChecker) CheckAll(ctx context.Context) map[string]*ComponentHealth {
	results := make(map[string]*ComponentHealth)

	for name, checker := range c.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		h, err := checker.Check(checkCtx)
		cancel()

		if err != nil {
			h = &ComponentHealth{
				Name:      name,
				Status:    ComponentStatusUnhealthy,
				Message:   err.Error(),
				LastCheck: time.Now(),
			}
		}
		if h != nil {
			results[name] = h
		}
	}
	return results
}

// OverallStatus 汇总整体状态：任一组件不健康即整体不健康
func OverallStatus(components map[string]*ComponentHealth) ComponentStatus {
	for _, h := range components {
		if h.Status != ComponentStatusHealthy {
			return ComponentStatusUnhealthy
		}
	}
	return ComponentStatusHealthy
}
