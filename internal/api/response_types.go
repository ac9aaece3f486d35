package api

// ResponseData 统一响应结构
type ResponseData struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// AuthResponse /auth 回调响应
// Ok 为 false 时引擎应拒绝该连接；ID 为归属用户ID
type AuthResponse struct {
	Ok bool   `json:"ok"`
	ID string `json:"id"`
}

// LimiterResponse /limiter 回调响应
// 速率哨兵值：-1 不限速，0 阻断
type LimiterResponse struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

// ObserverResponse /observer 回调响应
type ObserverResponse struct {
	Accepted int `json:"accepted"` // 接收的上报条数
}

// SetQuotaRequest 配额调整请求
// QuotaBytes 为 null 表示无限制
type SetQuotaRequest struct {
	QuotaBytes *int64 `json:"quota_bytes"`
}

// ResetUsageRequest 用量重置请求
type ResetUsageRequest struct {
	Reason string `json:"reason"`
}

// SetUserStatusRequest 用户状态同步请求
type SetUserStatusRequest struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}
