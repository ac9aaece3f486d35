// Package rulectl 实现规则自动停用与恢复控制器
// 订阅配额级别变化事件：进入 critical 时停用该用户全部启用规则并
// 标记停用方为配额引擎；离开 critical 时仅恢复配额引擎停用的规则，
// 管理员手工停用的规则保持不动
package rulectl

import (
	"context"
	"sync"
	"time"

	"flowgate/internal/core/dispose"
	"flowgate/internal/core/events"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/models"
	"flowgate/internal/persistence"
)

// RuleApplier 规则变更的执行入口（由计量协调器实现）
// 负责持久化、归属缓存更新、准入缓存失效与跨进程广播
type RuleApplier interface {
	OnRuleChanged(ctx context.Context, rule *models.Rule) error
}

// UsageSource 用量快照来源（由用量台账实现）
type UsageSource interface {
	Lookup(userID string) (*models.UserUsage, bool)
}

// Controller 规则自动停用/恢复控制器
type Controller struct {
	*dispose.ServiceBase
	rules   persistence.RuleStore
	applier RuleApplier
	usage   UsageSource
	bus     events.EventBus

	mu      sync.Mutex
	handler events.EventHandler
}

// NewController 创建规则控制器
func NewController(parentCtx context.Context, rules persistence.RuleStore, applier RuleApplier, usage UsageSource, bus events.EventBus) *Controller {
	c := &Controller{
		ServiceBase: dispose.NewService("RuleController", parentCtx),
		rules:       rules,
		applier:     applier,
		usage:       usage,
		bus:         bus,
	}
	c.AddCleanHandler(func() error {
		if c.handler != nil {
			return c.bus.Unsubscribe(events.EventTypeQuotaTransition, c.handler)
		}
		return nil
	})
	return c
}

// Start 订阅配额级别变化事件
func (c *Controller) Start() error {
	c.handler = c.onQuotaTransition
	return c.bus.Subscribe(events.EventTypeQuotaTransition, c.handler)
}

// onQuotaTransition 级别变化事件处理
// 同一控制器内串行执行，避免同一用户的停用与恢复交错。
// 事件仅作触发，停用还是恢复以台账当前级别为准：
// 总线按事件各起 goroutine 派发，背靠背的两次级别变化可能乱序送达，
// 不以实时级别裁决会让迟到的旧事件把规则状态拨回过去
func (c *Controller) onQuotaTransition(event events.Event) error {
	tr, ok := event.(*events.QuotaTransitionEvent)
	if !ok {
		return nil
	}
	if tr.ToLevel != models.AlertCritical && tr.FromLevel != models.AlertCritical {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	critical := tr.ToLevel == models.AlertCritical
	if usage, found := c.usage.Lookup(tr.UserID); found {
		critical = usage.AlertLevel == models.AlertCritical
	}

	ctx, cancel := context.WithTimeout(c.Ctx(), 10*time.Second)
	defer cancel()

	if critical {
		return c.disableUserRules(ctx, tr.UserID)
	}
	return c.restoreUserRules(ctx, tr.UserID)
}

// disableUserRules 停用用户全部启用规则，标记停用方为配额引擎
// 幂等：已停用的规则跳过
func (c *Controller) disableUserRules(ctx context.Context, userID string) error {
	rules, err := c.rules.ListUserRules(ctx, userID)
	if err != nil {
		corelog.Errorf("RuleController: failed to list rules for user %s: %v", userID, err)
		return err
	}

	disabled := 0
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		rule.IsActive = false
		rule.DisabledBy = models.DisabledByQuotaEngine
		rule.UpdatedAt = time.Now()
		if err := c.applier.OnRuleChanged(ctx, rule); err != nil {
			corelog.Errorf("RuleController: failed to disable rule %s: %v", rule.ID, err)
			continue
		}
		disabled++
	}

	if disabled > 0 {
		corelog.Warnf("RuleController: disabled %d rules for user %s (quota exceeded)", disabled, userID)
	}
	return nil
}

// restoreUserRules 恢复配额引擎停用的规则
// DisabledBy 非配额引擎的规则保持停用
func (c *Controller) restoreUserRules(ctx context.Context, userID string) error {
	rules, err := c.rules.ListUserRules(ctx, userID)
	if err != nil {
		corelog.Errorf("RuleController: failed to list rules for user %s: %v", userID, err)
		return err
	}

	restored := 0
	for _, rule := range rules {
		if rule.IsActive || rule.DisabledBy != models.DisabledByQuotaEngine {
			continue
		}
		rule.IsActive = true
		rule.DisabledBy = models.DisabledByNone
		rule.UpdatedAt = time.Now()
		if err := c.applier.OnRuleChanged(ctx, rule); err != nil {
			corelog.Errorf("RuleController: failed to restore rule %s: %v", rule.ID, err)
			continue
		}
		restored++
	}

	if restored > 0 {
		corelog.Infof("RuleController: restored %d rules for user %s", restored, userID)
	}
	return nil
}
