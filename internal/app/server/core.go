package server

import (
	"context"

	"flowgate/internal/api"
	"flowgate/internal/core/safe"
	"flowgate/internal/health"
	"flowgate/internal/metering"
	"flowgate/internal/models"
)

// engineCore 把计量协调器与准入服务拼装成 API 层需要的核心接口
type engineCore struct {
	server *Server
}

var _ api.Core = (*engineCore)(nil)

func (c *engineCore) HandleObserver(ctx context.Context, reports []metering.ServiceReport) {
	c.server.accountant.HandleObserver(ctx, reports)
}

func (c *engineCore) Authorize(serviceKey string) (bool, string) {
	return c.server.admission.Authorize(serviceKey)
}

func (c *engineCore) Limit(serviceKey string) (in, out int64) {
	return c.server.admission.Limit(serviceKey)
}

func (c *engineCore) ResetUsage(ctx context.Context, userID, reason string) error {
	return c.server.accountant.ResetUsage(ctx, userID, reason)
}

func (c *engineCore) SetQuota(ctx context.Context, userID string, quotaBytes *int64) error {
	return c.server.accountant.SetQuota(ctx, userID, quotaBytes)
}

func (c *engineCore) SetUserMeta(ctx context.Context, userID string, role models.UserRole, status models.UserStatus) {
	c.server.accountant.SetUserMeta(ctx, userID, role, status)
}

func (c *engineCore) OnRuleChanged(ctx context.Context, rule *models.Rule) error {
	return c.server.accountant.OnRuleChanged(ctx, rule)
}

func (c *engineCore) OnRuleDeleted(ctx context.Context, ruleID string) error {
	return c.server.accountant.OnRuleDeleted(ctx, ruleID)
}

func (c *engineCore) GetUsage(ctx context.Context, userID string) (*models.UserUsage, error) {
	return c.server.accountant.GetUsage(ctx, userID)
}

func (c *engineCore) ListEvents(ctx context.Context, userID string, limit int) ([]*models.QuotaEvent, error) {
	return c.server.accountant.ListEvents(ctx, userID, limit)
}

func (c *engineCore) Health(ctx context.Context) (health.ComponentStatus, map[string]*health.ComponentHealth) {
	components := c.server.health.CheckAll(ctx)
	return health.OverallStatus(components), components
}

func (c *engineCore) Stats() map[string]interface{} {
	hits, misses := c.server.admission.CacheStats()
	flushes, failures, pendingDirty := c.server.ledger.FlushStats()
	goroutines := safe.GetStats()

	return map[string]interface{}{
		"goroutines_active":  goroutines.Active,
		"goroutine_panics":   goroutines.PanicCount,
		"node_id":            c.server.nodeID,
		"attribution_size":   c.server.resolver.Size(),
		"tracked_services":   c.server.delta.TrackedServices(),
		"admission_hits":     hits,
		"admission_misses":   misses,
		"ledger_flushes":     flushes,
		"ledger_flush_fails": failures,
		"ledger_dirty_rows":  pendingDirty,
	}
}
