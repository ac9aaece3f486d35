// Package attribution 维护转发服务到所属用户/规则的归属缓存
// 位于准入热路径上，所有读取都在内存完成，不触发持久化存储
package attribution

import (
	"context"
	"sync"

	"flowgate/internal/core/dispose"
	coreerrors "flowgate/internal/core/errors"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/models"
)

// Attribution 服务归属信息
type Attribution struct {
	UserID   string          `json:"user_id"`
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Role     models.UserRole `json:"role"`
	Protocol models.Protocol `json:"protocol"`
	Port     int             `json:"port"`
}

// RoleLookup 查询用户角色（构建归属条目时使用）
type RoleLookup func(userID string) models.UserRole

// Resolver 端口归属缓存
// 启动时从规则全量构建，之后随规则增删改增量更新
type Resolver struct {
	*dispose.ServiceBase
	mu         sync.RWMutex
	byService  map[string]*Attribution // serviceKey -> 归属
	byUser     map[string]map[string]struct{} // userID -> serviceKey 集合
	roleLookup RoleLookup
}

// NewResolver 创建归属缓存
func NewResolver(parentCtx context.Context, roleLookup RoleLookup) *Resolver {
	if roleLookup == nil {
		roleLookup = func(string) models.UserRole { return models.RoleUser }
	}
	return &Resolver{
		ServiceBase: dispose.NewService("AttributionResolver", parentCtx),
		byService:   make(map[string]*Attribution),
		byUser:      make(map[string]map[string]struct{}),
		roleLookup:  roleLookup,
	}
}

// Rebuild 从规则全量重建缓存（启动时与周期对账时调用）
func (r *Resolver) Rebuild(rules []*models.Rule) {
	byService := make(map[string]*Attribution, len(rules))
	byUser := make(map[string]map[string]struct{})

	for _, rule := range rules {
		if !rule.IsActive || rule.ServiceKey == "" {
			continue
		}
		if prev, exists := byService[rule.ServiceKey]; exists {
			// 每个 serviceKey 至多一条活跃映射；后写覆盖并告警
			corelog.Warnf("AttributionResolver: duplicate service key %s (rules %s, %s), keeping latest",
				rule.ServiceKey, prev.RuleID, rule.ID)
		}
		byService[rule.ServiceKey] = r.entryFor(rule)
		addUserKey(byUser, rule.UserID, rule.ServiceKey)
	}

	r.mu.Lock()
	r.byService = byService
	r.byUser = byUser
	r.mu.Unlock()

	corelog.Infof("AttributionResolver: rebuilt with %d active mappings", len(byService))
}

// Resolve 解析服务归属；未知服务返回 ErrServiceNotFound
func (r *Resolver) Resolve(serviceKey string) (*Attribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attr, exists := r.byService[serviceKey]
	if !exists {
		return nil, coreerrors.ErrServiceNotFound
	}
	cp := *attr
	return &cp, nil
}

// ServicesOf 返回用户当前归属的所有 serviceKey
func (r *Resolver) ServicesOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys, exists := r.byUser[userID]
	if !exists {
		return nil
	}
	result := make([]string, 0, len(keys))
	for key := range keys {
		result = append(result, key)
	}
	return result
}

// OnRuleChanged 规则创建/更新/启停后增量更新缓存
func (r *Resolver) OnRuleChanged(rule *models.Rule) {
	if rule == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 同一规则可能更换过 serviceKey，先清掉旧条目
	for key, attr := range r.byService {
		if attr.RuleID == rule.ID && key != rule.ServiceKey {
			delete(r.byService, key)
			removeUserKey(r.byUser, attr.UserID, key)
		}
	}

	if rule.IsActive && rule.ServiceKey != "" {
		r.byService[rule.ServiceKey] = r.entryFor(rule)
		addUserKey(r.byUser, rule.UserID, rule.ServiceKey)
	} else if rule.ServiceKey != "" {
		if attr, exists := r.byService[rule.ServiceKey]; exists && attr.RuleID == rule.ID {
			delete(r.byService, rule.ServiceKey)
			removeUserKey(r.byUser, attr.UserID, rule.ServiceKey)
		}
	}
}

// OnRuleDeleted 规则删除后移除缓存条目
func (r *Resolver) OnRuleDeleted(ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, attr := range r.byService {
		if attr.RuleID == ruleID {
			delete(r.byService, key)
			removeUserKey(r.byUser, attr.UserID, key)
		}
	}
}

// Size 返回当前活跃映射数量
func (r *Resolver) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byService)
}

func (r *Resolver) entryFor(rule *models.Rule) *Attribution {
	return &Attribution{
		UserID:   rule.UserID,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Role:     r.roleLookup(rule.UserID),
		Protocol: rule.Protocol,
		Port:     rule.Port,
	}
}

func addUserKey(byUser map[string]map[string]struct{}, userID, key string) {
	if byUser[userID] == nil {
		byUser[userID] = make(map[string]struct{})
	}
	byUser[userID][key] = struct{}{}
}

func removeUserKey(byUser map[string]map[string]struct{}, userID, key string) {
	if keys, exists := byUser[userID]; exists {
		delete(keys, key)
		if len(keys) == 0 {
			delete(byUser, userID)
		}
	}
}
