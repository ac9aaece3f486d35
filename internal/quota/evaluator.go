// Package quota 实现配额评估与告警级别状态机
package quota

import (
	"flowgate/internal/models"
)

// 告警级别阈值（用量占配额的百分比）
const (
	CautionThreshold  = 80.0
	WarningThreshold  = 90.0
	CriticalThreshold = 100.0
)

// Verdict 配额评估结果
type Verdict struct {
	Level        models.AlertLevel `json:"level"`
	Allowed      bool              `json:"allowed"`
	UsagePercent float64           `json:"usage_percent"`
}

// Evaluate 评估用量对配额的占用情况
// 纯函数：admin 角色恒为 normal/allowed；无限配额（nil 或 <=0）恒为 normal
// Allowed 为 false 当且仅当配额已设置、用量达到配额且角色不是 admin
func Evaluate(usedBytes int64, quotaBytes *int64, role models.UserRole) Verdict {
	if role == models.RoleAdmin {
		return Verdict{Level: models.AlertNormal, Allowed: true}
	}

	if quotaBytes == nil || *quotaBytes <= 0 {
		return Verdict{Level: models.AlertNormal, Allowed: true}
	}

	percent := float64(usedBytes) / float64(*quotaBytes) * 100

	verdict := Verdict{
		Level:        models.AlertNormal,
		Allowed:      true,
		UsagePercent: percent,
	}

	// 超限判定用整数比较，巨大配额下的浮点舍入不得影响阻断边界
	switch {
	case usedBytes >= *quotaBytes:
		verdict.Level = models.AlertCritical
		verdict.Allowed = false
	case percent >= WarningThreshold:
		verdict.Level = models.AlertWarning
	case percent >= CautionThreshold:
		verdict.Level = models.AlertCaution
	}

	return verdict
}
