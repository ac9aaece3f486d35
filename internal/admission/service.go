// Package admission 提供引擎准入判定服务
// /auth 与 /limiter 回调位于代理热路径上，必须在亚毫秒级返回，
// 因此判定结果缓存在进程内 LRU 中，按 TTL 过期并支持主动失效
package admission

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"flowgate/internal/attribution"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/models"
)

// 限速回调的哨兵值
const (
	// SpeedUnrestricted 不限速
	SpeedUnrestricted int64 = -1
	// SpeedBlocked 阻断（零速率）
	SpeedBlocked int64 = 0
)

// UsageSource 用量快照来源（由用量台账实现）
type UsageSource interface {
	Lookup(userID string) (*models.UserUsage, bool)
}

// Verdict 单个转发服务的准入判定结果
type Verdict struct {
	Known   bool   // 服务是否有归属
	OwnerID string // 归属用户ID
	Admit   bool   // 是否准入（/auth 的 ok）
	Blocked bool   // 是否阻断（/limiter 返回零速率）
}

// cachedVerdict 带过期时间的缓存条目
type cachedVerdict struct {
	verdict   Verdict
	expiresAt time.Time
}

// serviceStats 缓存统计
type serviceStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Service 准入判定服务
type Service struct {
	resolver *attribution.Resolver
	usage    UsageSource
	ttl      time.Duration
	cache    *lru.Cache[string, cachedVerdict]

	stats serviceStats
}

// NewService 创建准入判定服务
func NewService(resolver *attribution.Resolver, usage UsageSource, cacheSize int, ttl time.Duration) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if ttl <= 0 {
		ttl = 3 * time.Second
	}

	cache, err := lru.New[string, cachedVerdict](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		resolver: resolver,
		usage:    usage,
		ttl:      ttl,
		cache:    cache,
	}, nil
}

// Authorize 连接建立回调：返回是否准入及归属用户ID
// 无归属的服务或非活跃用户拒绝准入（引擎不应放行未登记的端口）；
// 活跃用户不论配额状态一律准入，超配额通过限速回调阻断
func (s *Service) Authorize(serviceKey string) (bool, string) {
	v := s.verdictFor(serviceKey)
	if !v.Known {
		return false, ""
	}
	return v.Admit, v.OwnerID
}

// Limit 限速回调：返回入/出方向速率
// 无归属或无用量数据时 fail-open 返回不限速；
// 仅在归属明确且被判阻断时返回零速率
func (s *Service) Limit(serviceKey string) (in, out int64) {
	v := s.verdictFor(serviceKey)
	if v.Known && v.Blocked {
		return SpeedBlocked, SpeedBlocked
	}
	return SpeedUnrestricted, SpeedUnrestricted
}

// verdictFor 查缓存，未命中或过期时重新计算并回填
func (s *Service) verdictFor(serviceKey string) Verdict {
	if entry, ok := s.cache.Get(serviceKey); ok {
		if time.Now().Before(entry.expiresAt) {
			s.stats.hits.Add(1)
			return entry.verdict
		}
		s.cache.Remove(serviceKey)
	}

	s.stats.misses.Add(1)
	v := s.compute(serviceKey)
	s.cache.Add(serviceKey, cachedVerdict{verdict: v, expiresAt: time.Now().Add(s.ttl)})
	return v
}

// compute 基于归属缓存与用量台账计算判定
func (s *Service) compute(serviceKey string) Verdict {
	attr, err := s.resolver.Resolve(serviceKey)
	if err != nil {
		return Verdict{Known: false}
	}

	v := Verdict{Known: true, OwnerID: attr.UserID}

	usage, found := s.usage.Lookup(attr.UserID)
	if !found {
		// 台账尚未加载：fail-open，计量路径随后会补齐
		v.Admit = true
		return v
	}

	if usage.Status != models.UserStatusActive {
		// 非活跃用户：拒绝新连接，同时对存量连接限零速
		v.Admit = false
		v.Blocked = true
		return v
	}

	// 活跃用户一律准入，配额超限只通过限速回调阻断
	v.Admit = true
	v.Blocked = !usage.Allowed
	return v
}

// InvalidateUser 失效某用户全部服务的缓存判定
func (s *Service) InvalidateUser(userID string) {
	keys := s.resolver.ServicesOf(userID)
	for _, key := range keys {
		s.cache.Remove(key)
	}
	if len(keys) > 0 {
		corelog.Debugf("AdmissionService: invalidated %d services for user %s", len(keys), userID)
	}
}

// InvalidateService 失效单个服务的缓存判定
func (s *Service) InvalidateService(serviceKey string) {
	s.cache.Remove(serviceKey)
}

// Flush 清空全部缓存判定
func (s *Service) Flush() {
	s.cache.Purge()
}

// CacheStats 返回缓存命中统计
func (s *Service) CacheStats() (hits, misses int64) {
	return s.stats.hits.Load(), s.stats.misses.Load()
}
