package metering

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/core/dispose"
	coreerrors "flowgate/internal/core/errors"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/core/safe"
	"flowgate/internal/models"
	"flowgate/internal/persistence"
	"flowgate/internal/quota"
)

// Transition 告警级别变化（边沿触发）
type Transition struct {
	UserID       string
	From         models.AlertLevel
	To           models.AlertLevel
	UsagePercent float64
	Allowed      bool
}

// ledgerEntry 单个用户的台账条目
// usage 仅在持有 mu 时读写，保证每用户串行化
type ledgerEntry struct {
	mu    sync.Mutex
	usage models.UserUsage
	dirty bool
}

// Ledger 用户用量台账
// 内存值是准入判定的权威来源；按节拍批量刷入持久化存储，
// 存储是跨重启的真相来源
type Ledger struct {
	*dispose.ServiceBase
	store persistence.UsageStore
	cfg   config.MeteringConfig

	mu      sync.RWMutex
	entries map[string]*ledgerEntry

	dirtyCount atomic.Int64
	flushCh    chan struct{}

	// 诊断计数
	flushTotal    atomic.Int64
	flushFailures atomic.Int64
}

// NewLedger 创建用量台账并启动刷盘循环
func NewLedger(parentCtx context.Context, store persistence.UsageStore, cfg config.MeteringConfig) *Ledger {
	l := &Ledger{
		ServiceBase: dispose.NewService("UsageLedger", parentCtx),
		store:       store,
		cfg:         cfg,
		entries:     make(map[string]*ledgerEntry),
		flushCh:     make(chan struct{}, 1),
	}

	safe.Go("usage-ledger-flush", l.flushLoop)
	return l
}

// Hydrate 启动时从持久化存储加载全部台账行
func (l *Ledger) Hydrate(ctx context.Context) error {
	usages, err := l.store.ListUsage(ctx)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to hydrate usage ledger")
	}

	l.mu.Lock()
	for _, usage := range usages {
		l.entries[usage.UserID] = &ledgerEntry{usage: *usage}
	}
	l.mu.Unlock()

	corelog.Infof("UsageLedger: hydrated %d user rows", len(usages))
	return nil
}

// Apply 为用户累加字节增量，返回新的已用量与可能的级别变化
// 同一用户的调用串行化执行；不同用户互不阻塞
func (l *Ledger) Apply(ctx context.Context, userID string, deltaBytes int64) (int64, *Transition, error) {
	if deltaBytes < 0 {
		// 负增量属于上游缺陷，钳制为零以保持单调性
		corelog.Warnf("UsageLedger: negative delta %d for user %s ignored", deltaBytes, userID)
		deltaBytes = 0
	}

	entry := l.entryFor(ctx, userID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.usage.UsedBytes += deltaBytes
	tr := l.reevaluateLocked(entry)
	if deltaBytes > 0 {
		l.markDirtyLocked(entry)
	}

	return entry.usage.UsedBytes, tr, nil
}

// Reset 管理员重置用量：清零、记录重置时间并重新评估
// 与该用户的并发 Apply 串行化；幂等
func (l *Ledger) Reset(ctx context.Context, userID string) (*Transition, error) {
	entry := l.entryFor(ctx, userID)

	entry.mu.Lock()
	entry.usage.UsedBytes = 0
	entry.usage.LastResetAt = time.Now()
	tr := l.reevaluateLocked(entry)
	l.markDirtyLocked(entry)
	snapshot := entry.usage
	entry.mu.Unlock()

	// 管理操作同步落盘，保证其它进程对账时可见
	if err := l.store.SaveUsage(ctx, &snapshot); err != nil {
		corelog.Errorf("UsageLedger: failed to persist reset for user %s: %v", userID, err)
	}

	return tr, nil
}

// SetQuota 调整用户配额；nil 表示无限制
func (l *Ledger) SetQuota(ctx context.Context, userID string, quotaBytes *int64) (*Transition, error) {
	entry := l.entryFor(ctx, userID)

	entry.mu.Lock()
	entry.usage.QuotaBytes = quotaBytes
	tr := l.reevaluateLocked(entry)
	l.markDirtyLocked(entry)
	snapshot := entry.usage
	entry.mu.Unlock()

	if err := l.store.SaveUsage(ctx, &snapshot); err != nil {
		corelog.Errorf("UsageLedger: failed to persist quota change for user %s: %v", userID, err)
	}

	return tr, nil
}

// SetUserMeta 更新用户角色与状态（用户同步时调用）
func (l *Ledger) SetUserMeta(ctx context.Context, userID string, role models.UserRole, status models.UserStatus) *Transition {
	entry := l.entryFor(ctx, userID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.usage.Role = role
	entry.usage.Status = status
	tr := l.reevaluateLocked(entry)
	l.markDirtyLocked(entry)
	return tr
}

// Lookup 返回用户台账快照（仅查内存，不触发存储加载）
func (l *Ledger) Lookup(userID string) (*models.UserUsage, bool) {
	l.mu.RLock()
	entry, exists := l.entries[userID]
	l.mu.RUnlock()
	if !exists {
		return nil, false
	}

	entry.mu.Lock()
	snapshot := entry.usage
	entry.mu.Unlock()
	return &snapshot, true
}

// Get 返回用户台账快照，内存缺失时从存储加载
func (l *Ledger) Get(ctx context.Context, userID string) (*models.UserUsage, error) {
	if usage, ok := l.Lookup(userID); ok {
		return usage, nil
	}

	entry := l.entryFor(ctx, userID)
	entry.mu.Lock()
	snapshot := entry.usage
	entry.mu.Unlock()
	return &snapshot, nil
}

// InvalidateUser 收到跨进程失效通知后，将存储中的行合并进本地条目
func (l *Ledger) InvalidateUser(ctx context.Context, userID string) *Transition {
	row, err := l.store.GetUsage(ctx, userID)
	if err != nil {
		if !coreerrors.IsCode(err, coreerrors.CodeNotFound) {
			corelog.Warnf("UsageLedger: invalidate reload failed for user %s: %v", userID, err)
		}
		return nil
	}

	l.mu.RLock()
	entry, exists := l.entries[userID]
	l.mu.RUnlock()
	if !exists {
		l.mu.Lock()
		l.entries[userID] = &ledgerEntry{usage: *row}
		l.mu.Unlock()
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return l.mergeLocked(entry, row)
}

// ResyncFromStore 周期性全量对账：重读存储并合并每个条目
// 这是广播丢失后的兜底校正路径，返回合并产生的级别变化
func (l *Ledger) ResyncFromStore(ctx context.Context) ([]*Transition, error) {
	rows, err := l.store.ListUsage(ctx)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "resync list failed")
	}

	transitions := make([]*Transition, 0)
	for _, row := range rows {
		l.mu.RLock()
		entry, exists := l.entries[row.UserID]
		l.mu.RUnlock()

		if !exists {
			l.mu.Lock()
			if _, dup := l.entries[row.UserID]; !dup {
				l.entries[row.UserID] = &ledgerEntry{usage: *row}
			}
			l.mu.Unlock()
			continue
		}

		entry.mu.Lock()
		if tr := l.mergeLocked(entry, row); tr != nil {
			transitions = append(transitions, tr)
		}
		entry.mu.Unlock()
	}

	return transitions, nil
}

// mergeLocked 将存储行合并进本地条目（须持有 entry.mu）
//
// 合并规则：存储中的重置时间更新则整行采纳（别处发生过重置）；
// 否则按 max 合并已用量以保持单调，配额/角色/状态采纳存储值
func (l *Ledger) mergeLocked(entry *ledgerEntry, row *models.UserUsage) *Transition {
	if row.LastResetAt.After(entry.usage.LastResetAt) {
		entry.usage = *row
		entry.dirty = false
		return l.reevaluateLocked(entry)
	}

	if row.UsedBytes > entry.usage.UsedBytes {
		entry.usage.UsedBytes = row.UsedBytes
	}
	entry.usage.QuotaBytes = row.QuotaBytes
	entry.usage.Role = row.Role
	entry.usage.Status = row.Status
	return l.reevaluateLocked(entry)
}

// reevaluateLocked 重新评估告警级别，返回边沿触发的变化（须持有 entry.mu）
func (l *Ledger) reevaluateLocked(entry *ledgerEntry) *Transition {
	verdict := quota.Evaluate(entry.usage.UsedBytes, entry.usage.QuotaBytes, entry.usage.Role)

	prev := entry.usage.AlertLevel
	if prev == "" {
		prev = models.AlertNormal
		entry.usage.AlertLevel = models.AlertNormal
	}

	entry.usage.Allowed = verdict.Allowed

	if verdict.Level == prev {
		return nil
	}

	entry.usage.AlertLevel = verdict.Level
	return &Transition{
		UserID:       entry.usage.UserID,
		From:         prev,
		To:           verdict.Level,
		UsagePercent: verdict.UsagePercent,
		Allowed:      verdict.Allowed,
	}
}

func (l *Ledger) markDirtyLocked(entry *ledgerEntry) {
	if !entry.dirty {
		entry.dirty = true
		l.dirtyCount.Add(1)
	}

	if l.cfg.FlushBatchSize > 0 && l.dirtyCount.Load() >= int64(l.cfg.FlushBatchSize) {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// entryFor 获取或创建用户条目；内存缺失时尝试从存储加载
func (l *Ledger) entryFor(ctx context.Context, userID string) *ledgerEntry {
	l.mu.RLock()
	entry, exists := l.entries[userID]
	l.mu.RUnlock()
	if exists {
		return entry
	}

	var usage models.UserUsage
	if row, err := l.store.GetUsage(ctx, userID); err == nil {
		usage = *row
	} else {
		if !coreerrors.IsCode(err, coreerrors.CodeNotFound) {
			// 存储不可用时保持 fail-open：先用内存默认行，等待对账校正
			corelog.Warnf("UsageLedger: load failed for user %s, starting from defaults: %v", userID, err)
		}
		usage = models.UserUsage{
			UserID:     userID,
			Role:       models.RoleUser,
			Status:     models.UserStatusActive,
			AlertLevel: models.AlertNormal,
			Allowed:    true,
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, exists = l.entries[userID]; exists {
		return entry
	}
	entry = &ledgerEntry{usage: usage}
	l.entries[userID] = entry
	return entry
}

// flushLoop 刷盘循环：时间节拍或脏条目数量任一触发
func (l *Ledger) flushLoop() {
	interval := l.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush(l.Ctx())
		case <-l.flushCh:
			l.Flush(l.Ctx())
		case <-l.Ctx().Done():
			// 关闭前做最后一次刷盘，使用独立超时上下文
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			l.Flush(flushCtx)
			cancel()
			return
		}
	}
}

// Flush 将所有脏条目批量写入持久化存储
// 失败时按指数退避重试；超过次数后重新标脏，等待下一节拍
func (l *Ledger) Flush(ctx context.Context) {
	dirtyEntries := make([]*ledgerEntry, 0)
	snapshots := make([]*models.UserUsage, 0)

	l.mu.RLock()
	entries := make([]*ledgerEntry, 0, len(l.entries))
	for _, entry := range l.entries {
		entries = append(entries, entry)
	}
	l.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.dirty {
			entry.dirty = false
			l.dirtyCount.Add(-1)
			snapshot := entry.usage
			snapshots = append(snapshots, &snapshot)
			dirtyEntries = append(dirtyEntries, entry)
		}
		entry.mu.Unlock()
	}

	if len(snapshots) == 0 {
		return
	}

	retryMax := l.cfg.FlushRetryMax
	if retryMax <= 0 {
		retryMax = 3
	}

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < retryMax; attempt++ {
		if err = l.store.BatchSaveUsage(ctx, snapshots); err == nil {
			l.flushTotal.Add(1)
			corelog.Debugf("UsageLedger: flushed %d rows", len(snapshots))
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = retryMax
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	// 刷盘失败不丢数据：重新标脏，下一节拍再试
	l.flushFailures.Add(1)
	for _, entry := range dirtyEntries {
		entry.mu.Lock()
		if !entry.dirty {
			entry.dirty = true
			l.dirtyCount.Add(1)
		}
		entry.mu.Unlock()
	}
	corelog.Errorf("UsageLedger: flush of %d rows failed, will retry: %v", len(snapshots), err)
}

// FlushStats 返回刷盘诊断计数
func (l *Ledger) FlushStats() (flushes, failures, pendingDirty int64) {
	return l.flushTotal.Load(), l.flushFailures.Load(), l.dirtyCount.Load()
}
