// PostgreSQL storage implementation using structured tables.
//
// Tables:
//   - user_usage: one row per user, authoritative usage ledger across restarts
//   - quota_events: append-only quota transition audit log
//   - forwarding_rules: forwarding rule rows shared with the external CRUD layer

package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowgate/internal/config"
	"flowgate/internal/core/dispose"
	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/models"
)

// PostgresStore PostgreSQL 存储实现
type PostgresStore struct {
	*dispose.ManagerBase
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(parentCtx context.Context, cfg *config.PostgresConfig) (*PostgresStore, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "postgres DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeConfigError, "invalid postgres DSN")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(parentCtx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to create postgres pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to connect to postgres")
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}

	store := &PostgresStore{
		ManagerBase:  dispose.NewManager("PostgresStore", parentCtx),
		pool:         pool,
		queryTimeout: queryTimeout,
	}
	store.AddCleanHandler(func() error {
		pool.Close()
		return nil
	})
	return store, nil
}

// withTimeout 对单条存储操作施加有界超时
func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}

// GetUsage 获取用户用量行
func (p *PostgresStore) GetUsage(ctx context.Context, userID string) (*models.UserUsage, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
		SELECT user_id, quota_bytes, used_bytes, role, status, last_reset_at, alert_level, allowed, updated_at
		FROM user_usage WHERE user_id = $1`, userID)

	usage, err := scanUsage(row)
	if err == pgx.ErrNoRows {
		return nil, coreerrors.ErrNotFound
	}
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to get usage for user %s", userID)
	}
	return usage, nil
}

// ListUsage 列出所有用量行
func (p *PostgresStore) ListUsage(ctx context.Context) ([]*models.UserUsage, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT user_id, quota_bytes, used_bytes, role, status, last_reset_at, alert_level, allowed, updated_at
		FROM user_usage`)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to list usage")
	}
	defer rows.Close()

	result := make([]*models.UserUsage, 0)
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan usage row")
		}
		result = append(result, usage)
	}
	return result, rows.Err()
}

const upsertUsageSQL = `
	INSERT INTO user_usage (user_id, quota_bytes, used_bytes, role, status, last_reset_at, alert_level, allowed, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (user_id) DO UPDATE SET
		quota_bytes = EXCLUDED.quota_bytes,
		used_bytes = EXCLUDED.used_bytes,
		role = EXCLUDED.role,
		status = EXCLUDED.status,
		last_reset_at = EXCLUDED.last_reset_at,
		alert_level = EXCLUDED.alert_level,
		allowed = EXCLUDED.allowed,
		updated_at = EXCLUDED.updated_at`

// SaveUsage 写入用量行（upsert）
func (p *PostgresStore) SaveUsage(ctx context.Context, usage *models.UserUsage) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.pool.Exec(ctx, upsertUsageSQL,
		usage.UserID, usage.QuotaBytes, usage.UsedBytes, usage.Role, usage.Status,
		usage.LastResetAt, usage.AlertLevel, usage.Allowed, time.Now())
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to save usage for user %s", usage.UserID)
	}
	return nil
}

// BatchSaveUsage 批量写入用量行（台账刷盘路径）
func (p *PostgresStore) BatchSaveUsage(ctx context.Context, usages []*models.UserUsage) error {
	if len(usages) == 0 {
		return nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	now := time.Now()
	for _, usage := range usages {
		batch.Queue(upsertUsageSQL,
			usage.UserID, usage.QuotaBytes, usage.UsedBytes, usage.Role, usage.Status,
			usage.LastResetAt, usage.AlertLevel, usage.Allowed, now)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range usages {
		if _, err := results.Exec(); err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeStorageError, "batch usage save failed")
		}
	}
	return nil
}

// AppendEvent 追加配额事件
func (p *PostgresStore) AppendEvent(ctx context.Context, event *models.QuotaEvent) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO quota_events (id, user_id, kind, level, usage_percent, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.UserID, event.Kind, event.Level, event.UsagePercent, event.Message, event.Timestamp)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to append quota event for user %s", event.UserID)
	}
	return nil
}

// ListEvents 按时间倒序列出用户配额事件
func (p *PostgresStore) ListEvents(ctx context.Context, userID string, limit int) ([]*models.QuotaEvent, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, kind, level, usage_percent, message, created_at
		FROM quota_events WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to list events for user %s", userID)
	}
	defer rows.Close()

	result := make([]*models.QuotaEvent, 0)
	for rows.Next() {
		event := &models.QuotaEvent{}
		if err := rows.Scan(&event.ID, &event.UserID, &event.Kind, &event.Level,
			&event.UsagePercent, &event.Message, &event.Timestamp); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan event row")
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// GetRule 获取规则
func (p *PostgresStore) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
		SELECT id, user_id, name, service_key, protocol, port, is_active, disabled_by, updated_at
		FROM forwarding_rules WHERE id = $1`, ruleID)

	rule, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, coreerrors.ErrRuleNotFound
	}
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to get rule %s", ruleID)
	}
	return rule, nil
}

// ListRules 列出所有规则
func (p *PostgresStore) ListRules(ctx context.Context) ([]*models.Rule, error) {
	return p.queryRules(ctx, `
		SELECT id, user_id, name, service_key, protocol, port, is_active, disabled_by, updated_at
		FROM forwarding_rules`)
}

// ListUserRules 列出用户的所有规则
func (p *PostgresStore) ListUserRules(ctx context.Context, userID string) ([]*models.Rule, error) {
	return p.queryRules(ctx, `
		SELECT id, user_id, name, service_key, protocol, port, is_active, disabled_by, updated_at
		FROM forwarding_rules WHERE user_id = $1`, userID)
}

func (p *PostgresStore) queryRules(ctx context.Context, sql string, args ...interface{}) ([]*models.Rule, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query rules")
	}
	defer rows.Close()

	result := make([]*models.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan rule row")
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// SaveRule 写入规则（upsert）
func (p *PostgresStore) SaveRule(ctx context.Context, rule *models.Rule) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO forwarding_rules (id, user_id, name, service_key, protocol, port, is_active, disabled_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			service_key = EXCLUDED.service_key,
			protocol = EXCLUDED.protocol,
			port = EXCLUDED.port,
			is_active = EXCLUDED.is_active,
			disabled_by = EXCLUDED.disabled_by,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.UserID, rule.Name, rule.ServiceKey, rule.Protocol, rule.Port,
		rule.IsActive, rule.DisabledBy, time.Now())
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to save rule %s", rule.ID)
	}
	return nil
}

// DeleteRule 删除规则
func (p *PostgresStore) DeleteRule(ctx context.Context, ruleID string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.pool.Exec(ctx, `DELETE FROM forwarding_rules WHERE id = $1`, ruleID)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to delete rule %s", ruleID)
	}
	return nil
}

// Close 关闭存储
func (p *PostgresStore) Close() error {
	return p.ManagerBase.CloseWithError()
}

// Ping 检查存储连通性
func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "postgres ping failed")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row rowScanner) (*models.UserUsage, error) {
	usage := &models.UserUsage{}
	err := row.Scan(&usage.UserID, &usage.QuotaBytes, &usage.UsedBytes, &usage.Role, &usage.Status,
		&usage.LastResetAt, &usage.AlertLevel, &usage.Allowed, &usage.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return usage, nil
}

func scanRule(row rowScanner) (*models.Rule, error) {
	rule := &models.Rule{}
	err := row.Scan(&rule.ID, &rule.UserID, &rule.Name, &rule.ServiceKey, &rule.Protocol,
		&rule.Port, &rule.IsActive, &rule.DisabledBy, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// NewStore 按配置创建存储实现
func NewStore(parentCtx context.Context, cfg *config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgresStore(parentCtx, &cfg.Postgres)
	case "memory", "":
		return NewMemoryStore(parentCtx), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
