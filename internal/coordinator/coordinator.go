// Package coordinator 实现跨进程缓存协调
// 本进程的用量与规则变更通过消息代理广播给其它引擎控制进程；
// 广播尽力而为，周期性全量对账兜底广播丢失
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"flowgate/internal/broker"
	"flowgate/internal/core/dispose"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/core/safe"
	"flowgate/internal/models"
)

// Reconciler 协调动作的执行方（由计量协调器实现）
type Reconciler interface {
	// HandleRemoteInvalidation 合并存储中的用量行并失效本地缓存
	HandleRemoteInvalidation(ctx context.Context, userID string)

	// HandleRemoteRuleChange 应用其它进程的规则变更
	HandleRemoteRuleChange(ctx context.Context, rule *models.Rule)

	// HandleRemoteRuleDelete 应用其它进程的规则删除
	HandleRemoteRuleDelete(ctx context.Context, ruleID string)

	// Resync 与持久化存储全量对账
	Resync(ctx context.Context)
}

// Coordinator 跨进程缓存协调器
type Coordinator struct {
	*dispose.ServiceBase
	broker         broker.MessageBroker
	reconciler     Reconciler
	nodeID         string
	resyncInterval time.Duration
}

// NewCoordinator 创建协调器
func NewCoordinator(parentCtx context.Context, msgBroker broker.MessageBroker, reconciler Reconciler,
	nodeID string, resyncInterval time.Duration) *Coordinator {
	if resyncInterval <= 0 {
		resyncInterval = 30 * time.Second
	}
	return &Coordinator{
		ServiceBase:    dispose.NewService("CacheCoordinator", parentCtx),
		broker:         msgBroker,
		reconciler:     reconciler,
		nodeID:         nodeID,
		resyncInterval: resyncInterval,
	}
}

// Start 订阅广播主题并启动对账循环
func (c *Coordinator) Start() error {
	topics := map[string]func(*broker.Message){
		broker.TopicUsageInvalidate: c.onUsageInvalidate,
		broker.TopicRuleChanged:     c.onRuleChanged,
		broker.TopicRuleDeleted:     c.onRuleDeleted,
	}

	for topic, handle := range topics {
		ch, err := c.broker.Subscribe(c.Ctx(), topic)
		if err != nil {
			return err
		}
		safe.Go("coordinator-consume-"+topic, func() { c.consumeLoop(topic, ch, handle) })
	}

	safe.Go("coordinator-resync", c.resyncLoop)

	corelog.Infof("CacheCoordinator started on node %s (resync every %s)", c.nodeID, c.resyncInterval)
	return nil
}

// consumeLoop 消费单个主题的广播消息，跳过本节点发出的消息
func (c *Coordinator) consumeLoop(topic string, ch <-chan *broker.Message, handle func(*broker.Message)) {
	for {
		select {
		case <-c.Ctx().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.NodeID == c.nodeID {
				continue
			}
			handle(msg)
		}
	}
}

// resyncLoop 周期性全量对账
func (c *Coordinator) resyncLoop() {
	ticker := time.NewTicker(c.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Ctx().Done():
			return
		case <-ticker.C:
			c.reconciler.Resync(c.Ctx())
		}
	}
}

func (c *Coordinator) onUsageInvalidate(msg *broker.Message) {
	var m broker.UsageInvalidateMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		corelog.Warnf("CacheCoordinator: bad usage invalidate payload: %v", err)
		return
	}
	c.reconciler.HandleRemoteInvalidation(c.Ctx(), m.UserID)
}

func (c *Coordinator) onRuleChanged(msg *broker.Message) {
	var m broker.RuleChangedMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil || m.Rule == nil {
		corelog.Warnf("CacheCoordinator: bad rule change payload: %v", err)
		return
	}
	c.reconciler.HandleRemoteRuleChange(c.Ctx(), m.Rule)
}

func (c *Coordinator) onRuleDeleted(msg *broker.Message) {
	var m broker.RuleDeletedMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		corelog.Warnf("CacheCoordinator: bad rule delete payload: %v", err)
		return
	}
	c.reconciler.HandleRemoteRuleDelete(c.Ctx(), m.RuleID)
}

// ========== 广播发送侧（尽力而为） ==========

// NotifyUsageInvalidation 广播用户用量失效
// 失败只记日志：其它进程会在下一次对账时校正
func (c *Coordinator) NotifyUsageInvalidation(ctx context.Context, userID string) {
	c.publish(ctx, broker.TopicUsageInvalidate, broker.UsageInvalidateMessage{
		UserID:    userID,
		Timestamp: time.Now().Unix(),
	})
}

// NotifyRuleChanged 广播规则变更
func (c *Coordinator) NotifyRuleChanged(ctx context.Context, rule *models.Rule) {
	c.publish(ctx, broker.TopicRuleChanged, broker.RuleChangedMessage{
		Rule:      rule,
		Timestamp: time.Now().Unix(),
	})
}

// NotifyRuleDeleted 广播规则删除
func (c *Coordinator) NotifyRuleDeleted(ctx context.Context, ruleID string) {
	c.publish(ctx, broker.TopicRuleDeleted, broker.RuleDeletedMessage{
		RuleID:    ruleID,
		Timestamp: time.Now().Unix(),
	})
}

func (c *Coordinator) publish(ctx context.Context, topic string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		corelog.Errorf("CacheCoordinator: failed to marshal %s message: %v", topic, err)
		return
	}
	if err := c.broker.Publish(ctx, topic, data); err != nil {
		corelog.Warnf("CacheCoordinator: broadcast on %s failed (resync will correct): %v", topic, err)
	}
}
