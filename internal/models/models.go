// Package models 定义账户、转发规则与流量配额的核心数据模型
package models

import (
	"time"
)

// UserRole 用户角色
type UserRole string

const (
	RoleUser  UserRole = "user"  // 普通用户
	RoleAdmin UserRole = "admin" // 管理员（不受配额限制）
)

// UserStatus 用户状态
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"   // 活跃
	UserStatusDisabled UserStatus = "disabled" // 停用
	UserStatusExpired  UserStatus = "expired"  // 过期
)

// Protocol 转发协议
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// User 用户信息
type User struct {
	ID        string     `json:"id"`         // 用户唯一标识
	Username  string     `json:"username"`   // 用户名
	Role      UserRole   `json:"role"`       // 角色：user/admin
	Status    UserStatus `json:"status"`     // 状态：active/disabled/expired
	CreatedAt time.Time  `json:"created_at"` // 创建时间
}

// DisabledBy 规则停用来源（类型化，避免从描述字段解析）
type DisabledBy string

const (
	DisabledByNone        DisabledBy = ""             // 未停用
	DisabledByManual      DisabledBy = "manual"       // 管理员手工停用
	DisabledByQuotaEngine DisabledBy = "quota_engine" // 配额引擎停用（可自动恢复）
)

// Rule 端口转发规则
// 外部 CRUD 层负责增删改；配额引擎只在配额原因下翻转 IsActive/DisabledBy
type Rule struct {
	ID         string     `json:"id"`          // 规则ID
	UserID     string     `json:"user_id"`     // 所属用户ID
	Name       string     `json:"name"`        // 规则名称
	ServiceKey string     `json:"service_key"` // 引擎侧转发服务标识（1:1 对应规则）
	Protocol   Protocol   `json:"protocol"`    // 协议：tcp/udp
	Port       int        `json:"port"`        // 监听端口
	IsActive   bool       `json:"is_active"`   // 是否启用
	DisabledBy DisabledBy `json:"disabled_by"` // 停用来源
	UpdatedAt  time.Time  `json:"updated_at"`  // 更新时间
}

// AlertLevel 配额告警级别
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"   // < 80% 或无限配额
	AlertCaution  AlertLevel = "caution"  // >= 80%
	AlertWarning  AlertLevel = "warning"  // >= 90%
	AlertCritical AlertLevel = "critical" // >= 100%（拒绝准入）
)

// Severity 级别严重度，用于比较级别高低
func (l AlertLevel) Severity() int {
	switch l {
	case AlertCaution:
		return 1
	case AlertWarning:
		return 2
	case AlertCritical:
		return 3
	default:
		return 0
	}
}

// UserUsage 用户用量台账（每用户一行，持久化）
// UsedBytes 仅由用量台账在每用户串行化下修改
type UserUsage struct {
	UserID      string     `json:"user_id"`     // 用户ID
	QuotaBytes  *int64     `json:"quota_bytes"` // 配额（字节）；nil 表示无限制
	UsedBytes   int64      `json:"used_bytes"`  // 已用量（字节），除重置外单调不减
	Role        UserRole   `json:"role"`        // 角色（admin 不受配额限制）
	Status      UserStatus `json:"status"`      // 用户状态
	LastResetAt time.Time  `json:"last_reset_at"`
	AlertLevel  AlertLevel `json:"alert_level"` // 当前告警级别
	Allowed     bool       `json:"allowed"`     // 准入判定结果
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UsagePercent 用量占配额的百分比；无限配额返回 0
func (u *UserUsage) UsagePercent() float64 {
	if u.QuotaBytes == nil || *u.QuotaBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(*u.QuotaBytes) * 100
}

// EventKind 配额事件类型
type EventKind string

const (
	EventKindLevelChange EventKind = "level_change" // 告警级别变化（边沿触发）
	EventKindReset       EventKind = "usage_reset"  // 管理员重置用量
	EventKindQuotaChange EventKind = "quota_change" // 配额调整
)

// QuotaEvent 配额事件（仅在状态变化时追加，一经写入不可变）
type QuotaEvent struct {
	ID           string     `json:"id"`            // 事件ID（UUID）
	UserID       string     `json:"user_id"`       // 用户ID
	Kind         EventKind  `json:"kind"`          // 事件类型
	Level        AlertLevel `json:"level"`         // 变化后的告警级别
	UsagePercent float64    `json:"usage_percent"` // 变化时的用量百分比
	Message      string     `json:"message"`       // 事件描述
	Timestamp    time.Time  `json:"timestamp"`     // 事件时间
}

// ServiceStats 引擎 observer 回调上报的单个转发服务计数器
type ServiceStats struct {
	InputBytes   int64 `json:"inputBytes"`   // 入方向字节数
	OutputBytes  int64 `json:"outputBytes"`  // 出方向字节数
	TotalConns   int64 `json:"totalConns"`   // 累计连接数
	CurrentConns int64 `json:"currentConns"` // 当前连接数
	TotalErrs    int64 `json:"totalErrs"`    // 累计错误数
}
