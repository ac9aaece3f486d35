package errors

// 预定义哨兵错误（用于 errors.Is 比较）
// 这些错误用于快速类型检查，不包含详细信息
var (
	// 认证相关
	ErrAuthFailed   = New(CodeAuthFailed, "authentication failed")
	ErrInvalidToken = New(CodeInvalidToken, "invalid token")

	// 资源不存在
	ErrNotFound        = New(CodeNotFound, "resource not found")
	ErrUserNotFound    = New(CodeUserNotFound, "user not found")
	ErrRuleNotFound    = New(CodeRuleNotFound, "rule not found")
	ErrServiceNotFound = New(CodeServiceNotFound, "service not found")

	// 资源冲突
	ErrAlreadyExists = New(CodeAlreadyExists, "resource already exists")
	ErrConflict      = New(CodeConflict, "resource conflict")

	// 请求错误
	ErrInvalidRequest = New(CodeInvalidRequest, "invalid request")
	ErrInvalidParam   = New(CodeInvalidParam, "invalid parameter")
	ErrMissingParam   = New(CodeMissingParam, "missing required parameter")

	// 配额/权限错误
	ErrForbidden     = New(CodeForbidden, "access forbidden")
	ErrQuotaExceeded = New(CodeQuotaExceeded, "quota exceeded")
	ErrUserDisabled  = New(CodeUserDisabled, "user is disabled")

	// 系统错误
	ErrInternal      = New(CodeInternal, "internal error")
	ErrStorageError  = New(CodeStorageError, "storage error")
	ErrBrokerError   = New(CodeBrokerError, "broker error")
	ErrTimeout       = New(CodeTimeout, "operation timeout")
	ErrUnavailable   = New(CodeUnavailable, "service unavailable")
	ErrServiceClosed = New(CodeServiceClosed, "service is closed")
)
