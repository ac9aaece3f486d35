package attribution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/models"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewResolver(ctx, func(userID string) models.UserRole {
		if userID == "admin-1" {
			return models.RoleAdmin
		}
		return models.RoleUser
	})
}

func testRule(id, userID, serviceKey string, port int, active bool) *models.Rule {
	return &models.Rule{
		ID:         id,
		UserID:     userID,
		Name:       "rule-" + id,
		ServiceKey: serviceKey,
		Protocol:   models.ProtocolTCP,
		Port:       port,
		IsActive:   active,
	}
}

func TestResolver_RebuildSkipsInactiveRules(t *testing.T) {
	r := newTestResolver(t)
	r.Rebuild([]*models.Rule{
		testRule("r1", "u1", "svc-1", 10001, true),
		testRule("r2", "u1", "svc-2", 10002, false),
		testRule("r3", "u2", "", 10003, true), // 无 serviceKey 的规则不可归属
	})

	assert.Equal(t, 1, r.Size())

	attr, err := r.Resolve("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", attr.UserID)
	assert.Equal(t, "r1", attr.RuleID)
	assert.Equal(t, 10001, attr.Port)

	_, err = r.Resolve("svc-2")
	assert.ErrorIs(t, err, coreerrors.ErrServiceNotFound)
}

func TestResolver_RebuildDuplicateServiceKeyKeepsLatest(t *testing.T) {
	r := newTestResolver(t)
	r.Rebuild([]*models.Rule{
		testRule("r1", "u1", "svc-1", 10001, true),
		testRule("r2", "u2", "svc-1", 10002, true),
	})

	assert.Equal(t, 1, r.Size())
	attr, err := r.Resolve("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "r2", attr.RuleID)
}

func TestResolver_RoleLookup(t *testing.T) {
	r := newTestResolver(t)
	r.Rebuild([]*models.Rule{
		testRule("r1", "admin-1", "svc-1", 10001, true),
	})

	attr, err := r.Resolve("svc-1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, attr.Role)
}

func TestResolver_ServicesOf(t *testing.T) {
	r := newTestResolver(t)
	r.Rebuild([]*models.Rule{
		testRule("r1", "u1", "svc-1", 10001, true),
		testRule("r2", "u1", "svc-2", 10002, true),
		testRule("r3", "u2", "svc-3", 10003, true),
	})

	assert.ElementsMatch(t, []string{"svc-1", "svc-2"}, r.ServicesOf("u1"))
	assert.ElementsMatch(t, []string{"svc-3"}, r.ServicesOf("u2"))
	assert.Nil(t, r.ServicesOf("u3"))
}

func TestResolver_OnRuleChangedAddsAndDisables(t *testing.T) {
	r := newTestResolver(t)

	r.OnRuleChanged(testRule("r1", "u1", "svc-1", 10001, true))
	attr, err := r.Resolve("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", attr.UserID)

	// 停用后立即不可归属
	r.OnRuleChanged(testRule("r1", "u1", "svc-1", 10001, false))
	_, err = r.Resolve("svc-1")
	assert.ErrorIs(t, err, coreerrors.ErrServiceNotFound)
	assert.Empty(t, r.ServicesOf("u1"))
}

func TestResolver_OnRuleChangedServiceKeySwap(t *testing.T) {
	r := newTestResolver(t)

	r.OnRuleChanged(testRule("r1", "u1", "svc-old", 10001, true))
	r.OnRuleChanged(testRule("r1", "u1", "svc-new", 10001, true))

	_, err := r.Resolve("svc-old")
	assert.ErrorIs(t, err, coreerrors.ErrServiceNotFound)

	attr, err := r.Resolve("svc-new")
	require.NoError(t, err)
	assert.Equal(t, "r1", attr.RuleID)
	assert.ElementsMatch(t, []string{"svc-new"}, r.ServicesOf("u1"))
}

func TestResolver_OnRuleChangedDoesNotEvictOtherRule(t *testing.T) {
	r := newTestResolver(t)

	r.OnRuleChanged(testRule("r1", "u1", "svc-1", 10001, true))
	// 另一条规则被停用时不应误删 r1 的映射
	r.OnRuleChanged(testRule("r2", "u2", "svc-1", 10002, false))

	attr, err := r.Resolve("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", attr.RuleID)
}

func TestResolver_OnRuleDeleted(t *testing.T) {
	r := newTestResolver(t)
	r.Rebuild([]*models.Rule{
		testRule("r1", "u1", "svc-1", 10001, true),
		testRule("r2", "u1", "svc-2", 10002, true),
	})

	r.OnRuleDeleted("r1")

	_, err := r.Resolve("svc-1")
	assert.ErrorIs(t, err, coreerrors.ErrServiceNotFound)
	assert.ElementsMatch(t, []string{"svc-2"}, r.ServicesOf("u1"))

	// 删除不存在的规则是空操作
	r.OnRuleDeleted("r9")
	assert.Equal(t, 1, r.Size())
}
