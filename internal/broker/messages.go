package broker

import "flowgate/internal/models"

// UsageInvalidateMessage 用户用量失效消息
// 接收方应重读存储中的用量行并失效本地准入缓存
type UsageInvalidateMessage struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// RuleChangedMessage 规则变更消息（创建或更新）
// 携带完整规则行，接收方可直接更新归属缓存而无需回查存储
type RuleChangedMessage struct {
	Rule      *models.Rule `json:"rule"`
	Timestamp int64        `json:"timestamp"`
}

// RuleDeletedMessage 规则删除消息
type RuleDeletedMessage struct {
	RuleID    string `json:"rule_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}
