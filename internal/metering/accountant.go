package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowgate/internal/attribution"
	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/core/events"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/models"
	"flowgate/internal/persistence"
)

// eventWriteTimeout 配额事件落盘的独立超时，避免拖慢 observer 热路径
const eventWriteTimeout = 2 * time.Second

// ServiceReport observer 回调中单个转发服务的计数器上报
type ServiceReport struct {
	ServiceKey string              `json:"service"`
	Stats      models.ServiceStats `json:"stats"`
}

// CacheInvalidator 本进程准入缓存失效
type CacheInvalidator interface {
	InvalidateUser(userID string)
}

// Broadcaster 跨进程变更广播（尽力而为，失败只记日志）
type Broadcaster interface {
	NotifyUsageInvalidation(ctx context.Context, userID string)
	NotifyRuleChanged(ctx context.Context, rule *models.Rule)
	NotifyRuleDeleted(ctx context.Context, ruleID string)
}

// Accountant 计量协调器
// 串联归属解析、差值计算、台账累加与事件发布，是 observer
// 上报和管理操作的统一入口
type Accountant struct {
	resolver *attribution.Resolver
	delta    *DeltaEngine
	ledger   *Ledger
	events   persistence.EventStore
	rules    persistence.RuleStore
	bus      events.EventBus

	cache       CacheInvalidator
	broadcaster Broadcaster
}

// NewAccountant 创建计量协调器
func NewAccountant(resolver *attribution.Resolver, delta *DeltaEngine, ledger *Ledger,
	eventStore persistence.EventStore, ruleStore persistence.RuleStore, bus events.EventBus) *Accountant {
	return &Accountant{
		resolver: resolver,
		delta:    delta,
		ledger:   ledger,
		events:   eventStore,
		rules:    ruleStore,
		bus:      bus,
	}
}

// SetCacheInvalidator 注入准入缓存失效器（装配阶段调用）
func (a *Accountant) SetCacheInvalidator(cache CacheInvalidator) {
	a.cache = cache
}

// SetBroadcaster 注入跨进程广播器（装配阶段调用）
func (a *Accountant) SetBroadcaster(broadcaster Broadcaster) {
	a.broadcaster = broadcaster
}

// HandleObserver 处理引擎 observer 回调的一批计数器上报
// 未知服务跳过不报错；单个服务的失败不影响其余服务
func (a *Accountant) HandleObserver(ctx context.Context, reports []ServiceReport) {
	for _, report := range reports {
		attr, err := a.resolver.Resolve(report.ServiceKey)
		if err != nil {
			// 规则变更与上报之间的时间窗，丢弃即可
			corelog.Debugf("Accountant: dropping report for unknown service %s", report.ServiceKey)
			continue
		}

		deltaIn, deltaOut := a.delta.Ingest(report.ServiceKey, report.Stats.InputBytes, report.Stats.OutputBytes)
		total := deltaIn + deltaOut
		if total == 0 {
			continue
		}

		_, tr, err := a.ledger.Apply(ctx, attr.UserID, total)
		if err != nil {
			corelog.Errorf("Accountant: apply failed for user %s: %v", attr.UserID, err)
			continue
		}
		if tr != nil {
			a.onTransition(ctx, tr)
		}
	}
}

// ResetUsage 管理员重置用户用量
func (a *Accountant) ResetUsage(ctx context.Context, userID, reason string) error {
	tr, err := a.ledger.Reset(ctx, userID)
	if err != nil {
		return err
	}

	a.appendEvent(ctx, &models.QuotaEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      models.EventKindReset,
		Level:     models.AlertNormal,
		Message:   fmt.Sprintf("usage reset: %s", reason),
		Timestamp: time.Now(),
	})

	if err := a.bus.Publish(events.NewUsageResetEvent(userID, reason)); err != nil {
		corelog.Warnf("Accountant: failed to publish reset event for user %s: %v", userID, err)
	}
	if tr != nil {
		a.onTransition(ctx, tr)
	} else {
		a.invalidate(ctx, userID)
	}
	return nil
}

// SetQuota 调整用户配额，nil 表示无限制
func (a *Accountant) SetQuota(ctx context.Context, userID string, quotaBytes *int64) error {
	tr, err := a.ledger.SetQuota(ctx, userID, quotaBytes)
	if err != nil {
		return err
	}

	message := "quota set to unlimited"
	if quotaBytes != nil {
		message = fmt.Sprintf("quota set to %d bytes", *quotaBytes)
	}
	usage, _ := a.ledger.Lookup(userID)
	event := &models.QuotaEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      models.EventKindQuotaChange,
		Message:   message,
		Timestamp: time.Now(),
	}
	if usage != nil {
		event.Level = usage.AlertLevel
		event.UsagePercent = usage.UsagePercent()
	}
	a.appendEvent(ctx, event)

	if err := a.bus.Publish(events.NewQuotaChangedEvent(userID, quotaBytes)); err != nil {
		corelog.Warnf("Accountant: failed to publish quota change for user %s: %v", userID, err)
	}
	if tr != nil {
		a.onTransition(ctx, tr)
	} else {
		a.invalidate(ctx, userID)
	}
	return nil
}

// SetUserMeta 同步用户角色与状态（上游用户 CRUD 变更时调用）
func (a *Accountant) SetUserMeta(ctx context.Context, userID string, role models.UserRole, status models.UserStatus) {
	tr := a.ledger.SetUserMeta(ctx, userID, role, status)
	if tr != nil {
		a.onTransition(ctx, tr)
	} else {
		a.invalidate(ctx, userID)
	}
}

// OnRuleChanged 规则创建或更新的通知入口
// 持久化规则、更新归属缓存，并在规则停用时丢弃其计数器状态
func (a *Accountant) OnRuleChanged(ctx context.Context, rule *models.Rule) error {
	if rule.ID == "" || rule.UserID == "" {
		return coreerrors.New(coreerrors.CodeInvalidRequest, "rule id and user id are required")
	}

	if err := a.rules.SaveRule(ctx, rule); err != nil {
		return err
	}
	a.resolver.OnRuleChanged(rule)
	if !rule.IsActive {
		a.delta.Forget(rule.ServiceKey)
	}

	if a.cache != nil {
		a.cache.InvalidateUser(rule.UserID)
	}
	if a.broadcaster != nil {
		a.broadcaster.NotifyRuleChanged(ctx, rule)
	}
	return nil
}

// OnRuleDeleted 规则删除的通知入口
func (a *Accountant) OnRuleDeleted(ctx context.Context, ruleID string) error {
	rule, err := a.rules.GetRule(ctx, ruleID)
	if err != nil {
		if coreerrors.IsCode(err, coreerrors.CodeNotFound) || coreerrors.IsCode(err, coreerrors.CodeRuleNotFound) {
			// 幂等：删不存在的规则只做缓存清理
			a.resolver.OnRuleDeleted(ruleID)
			return nil
		}
		return err
	}

	if err := a.rules.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	a.resolver.OnRuleDeleted(ruleID)
	a.delta.Forget(rule.ServiceKey)

	if a.cache != nil {
		a.cache.InvalidateUser(rule.UserID)
	}
	if a.broadcaster != nil {
		a.broadcaster.NotifyRuleDeleted(ctx, ruleID)
	}
	return nil
}

// GetUsage 查询用户用量快照
func (a *Accountant) GetUsage(ctx context.Context, userID string) (*models.UserUsage, error) {
	return a.ledger.Get(ctx, userID)
}

// ListEvents 查询用户配额事件历史
func (a *Accountant) ListEvents(ctx context.Context, userID string, limit int) ([]*models.QuotaEvent, error) {
	return a.events.ListEvents(ctx, userID, limit)
}

// ========== 跨进程通知的接收侧 ==========

// HandleRemoteInvalidation 处理其它进程的用量失效广播
// 只合并存储行并清本地缓存，不再回播，避免广播风暴
func (a *Accountant) HandleRemoteInvalidation(ctx context.Context, userID string) {
	tr := a.ledger.InvalidateUser(ctx, userID)
	if a.cache != nil {
		a.cache.InvalidateUser(userID)
	}
	if tr != nil {
		a.publishTransition(tr)
	}
}

// HandleRemoteRuleChange 处理其它进程的规则变更广播
func (a *Accountant) HandleRemoteRuleChange(ctx context.Context, rule *models.Rule) {
	a.resolver.OnRuleChanged(rule)
	if !rule.IsActive {
		a.delta.Forget(rule.ServiceKey)
	}
	if a.cache != nil {
		a.cache.InvalidateUser(rule.UserID)
	}
}

// HandleRemoteRuleDelete 处理其它进程的规则删除广播
func (a *Accountant) HandleRemoteRuleDelete(ctx context.Context, ruleID string) {
	a.resolver.OnRuleDeleted(ruleID)
}

// Resync 周期对账入口：合并存储并发布合并产生的级别变化
// 合并侧不写配额事件，事件由发起变更的进程负责记录
func (a *Accountant) Resync(ctx context.Context) {
	transitions, err := a.ledger.ResyncFromStore(ctx)
	if err != nil {
		corelog.Warnf("Accountant: resync failed: %v", err)
		return
	}

	for _, tr := range transitions {
		if a.cache != nil {
			a.cache.InvalidateUser(tr.UserID)
		}
		a.publishTransition(tr)
	}
	if len(transitions) > 0 {
		corelog.Infof("Accountant: resync corrected %d user levels", len(transitions))
	}
}

// onTransition 本地变更引起的级别变化：记事件、发总线、失效缓存并广播
func (a *Accountant) onTransition(ctx context.Context, tr *Transition) {
	a.appendEvent(ctx, &models.QuotaEvent{
		ID:           uuid.NewString(),
		UserID:       tr.UserID,
		Kind:         models.EventKindLevelChange,
		Level:        tr.To,
		UsagePercent: tr.UsagePercent,
		Message:      fmt.Sprintf("alert level %s -> %s", tr.From, tr.To),
		Timestamp:    time.Now(),
	})

	a.publishTransition(tr)
	a.invalidate(ctx, tr.UserID)
}

func (a *Accountant) publishTransition(tr *Transition) {
	event := events.NewQuotaTransitionEvent(tr.UserID, tr.From, tr.To, tr.UsagePercent, tr.Allowed)
	if err := a.bus.Publish(event); err != nil {
		corelog.Warnf("Accountant: failed to publish transition for user %s: %v", tr.UserID, err)
	}
}

func (a *Accountant) invalidate(ctx context.Context, userID string) {
	if a.cache != nil {
		a.cache.InvalidateUser(userID)
	}
	if a.broadcaster != nil {
		a.broadcaster.NotifyUsageInvalidation(ctx, userID)
	}
}

func (a *Accountant) appendEvent(ctx context.Context, event *models.QuotaEvent) {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	if err := a.events.AppendEvent(writeCtx, event); err != nil {
		corelog.Warnf("Accountant: failed to append quota event for user %s: %v", event.UserID, err)
	}
}
