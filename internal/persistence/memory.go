package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowgate/internal/core/dispose"
	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/models"
)

// MemoryStore 内存存储实现（单机/测试模式）
type MemoryStore struct {
	*dispose.ManagerBase
	mu     sync.RWMutex
	usages map[string]*models.UserUsage
	events []*models.QuotaEvent
	rules  map[string]*models.Rule
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(parentCtx context.Context) *MemoryStore {
	return &MemoryStore{
		ManagerBase: dispose.NewManager("MemoryStore", parentCtx),
		usages:      make(map[string]*models.UserUsage),
		events:      make([]*models.QuotaEvent, 0),
		rules:       make(map[string]*models.Rule),
	}
}

// GetUsage 获取用户用量行
func (m *MemoryStore) GetUsage(ctx context.Context, userID string) (*models.UserUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage, exists := m.usages[userID]
	if !exists {
		return nil, coreerrors.ErrNotFound
	}
	cp := *usage
	return &cp, nil
}

// ListUsage 列出所有用量行
func (m *MemoryStore) ListUsage(ctx context.Context) ([]*models.UserUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.UserUsage, 0, len(m.usages))
	for _, usage := range m.usages {
		cp := *usage
		result = append(result, &cp)
	}
	return result, nil
}

// SaveUsage 写入用量行
func (m *MemoryStore) SaveUsage(ctx context.Context, usage *models.UserUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *usage
	cp.UpdatedAt = time.Now()
	m.usages[usage.UserID] = &cp
	return nil
}

// BatchSaveUsage 批量写入用量行
func (m *MemoryStore) BatchSaveUsage(ctx context.Context, usages []*models.UserUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, usage := range usages {
		cp := *usage
		cp.UpdatedAt = now
		m.usages[usage.UserID] = &cp
	}
	return nil
}

// AppendEvent 追加配额事件
func (m *MemoryStore) AppendEvent(ctx context.Context, event *models.QuotaEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// ListEvents 按时间倒序列出用户配额事件
func (m *MemoryStore) ListEvents(ctx context.Context, userID string, limit int) ([]*models.QuotaEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.QuotaEvent, 0)
	for _, event := range m.events {
		if event.UserID == userID {
			cp := *event
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetRule 获取规则
func (m *MemoryStore) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, exists := m.rules[ruleID]
	if !exists {
		return nil, coreerrors.ErrRuleNotFound
	}
	cp := *rule
	return &cp, nil
}

// ListRules 列出所有规则
func (m *MemoryStore) ListRules(ctx context.Context) ([]*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		cp := *rule
		result = append(result, &cp)
	}
	return result, nil
}

// ListUserRules 列出用户的所有规则
func (m *MemoryStore) ListUserRules(ctx context.Context, userID string) ([]*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Rule, 0)
	for _, rule := range m.rules {
		if rule.UserID == userID {
			cp := *rule
			result = append(result, &cp)
		}
	}
	return result, nil
}

// SaveRule 写入规则
func (m *MemoryStore) SaveRule(ctx context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rule
	cp.UpdatedAt = time.Now()
	m.rules[rule.ID] = &cp
	return nil
}

// DeleteRule 删除规则
func (m *MemoryStore) DeleteRule(ctx context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rules, ruleID)
	return nil
}

// Ping 内存存储总是可用
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭存储
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.usages = make(map[string]*models.UserUsage)
	m.events = nil
	m.rules = make(map[string]*models.Rule)
	m.mu.Unlock()
	return m.ManagerBase.CloseWithError()
}

// 确保实现接口
var _ Store = (*MemoryStore)(nil)
