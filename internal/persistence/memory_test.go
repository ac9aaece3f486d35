package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/models"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMemoryStore(ctx)
}

func TestMemoryStore_UsageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetUsage(ctx, "u1")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)

	quota := int64(1000)
	require.NoError(t, store.SaveUsage(ctx, &models.UserUsage{
		UserID:     "u1",
		QuotaBytes: &quota,
		UsedBytes:  100,
		Role:       models.RoleUser,
		Status:     models.UserStatusActive,
	}))

	row, err := store.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), row.UsedBytes)
	require.NotNil(t, row.QuotaBytes)
	assert.Equal(t, int64(1000), *row.QuotaBytes)
	assert.False(t, row.UpdatedAt.IsZero())
}

func TestMemoryStore_GetUsageReturnsCopy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUsage(ctx, &models.UserUsage{UserID: "u1", UsedBytes: 1}))

	row, err := store.GetUsage(ctx, "u1")
	require.NoError(t, err)
	row.UsedBytes = 999

	// 调用方修改返回值不应污染存储
	again, err := store.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.UsedBytes)
}

func TestMemoryStore_BatchSaveUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.BatchSaveUsage(ctx, []*models.UserUsage{
		{UserID: "u1", UsedBytes: 10},
		{UserID: "u2", UsedBytes: 20},
	}))

	rows, err := store.ListUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMemoryStore_EventsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, kind := range []models.EventKind{
		models.EventKindLevelChange,
		models.EventKindReset,
		models.EventKindQuotaChange,
	} {
		require.NoError(t, store.AppendEvent(ctx, &models.QuotaEvent{
			ID:        string(rune('a' + i)),
			UserID:    "u1",
			Kind:      kind,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	// 其他用户的事件不混入
	require.NoError(t, store.AppendEvent(ctx, &models.QuotaEvent{
		ID: "x", UserID: "u2", Kind: models.EventKindReset, Timestamp: base,
	}))

	events, err := store.ListEvents(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventKindQuotaChange, events[0].Kind)
	assert.Equal(t, models.EventKindLevelChange, events[2].Kind)

	limited, err := store.ListEvents(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, models.EventKindQuotaChange, limited[0].Kind)
}

func TestMemoryStore_RuleCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, coreerrors.ErrRuleNotFound)

	require.NoError(t, store.SaveRule(ctx, &models.Rule{
		ID: "r1", UserID: "u1", ServiceKey: "svc-1", IsActive: true,
	}))
	require.NoError(t, store.SaveRule(ctx, &models.Rule{
		ID: "r2", UserID: "u2", ServiceKey: "svc-2", IsActive: true,
	}))

	rule, err := store.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", rule.ServiceKey)

	all, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	userRules, err := store.ListUserRules(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, userRules, 1)
	assert.Equal(t, "r1", userRules[0].ID)

	// upsert 覆盖
	require.NoError(t, store.SaveRule(ctx, &models.Rule{
		ID: "r1", UserID: "u1", ServiceKey: "svc-1", IsActive: false,
	}))
	rule, err = store.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rule.IsActive)

	require.NoError(t, store.DeleteRule(ctx, "r1"))
	_, err = store.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, coreerrors.ErrRuleNotFound)

	// 删除不存在的规则不报错
	assert.NoError(t, store.DeleteRule(ctx, "r9"))
}
