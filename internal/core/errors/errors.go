// Package errors 提供统一的错误处理机制
//
// 设计原则：
// 1. 所有错误都应该可以通过 errors.Is() 和 errors.As() 进行类型检查
// 2. 错误应该包含足够的上下文信息用于调试
// 3. 错误码用于 API 响应和日志分类
// 4. 支持错误链（error wrapping）
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 错误码定义
const (
	// 认证相关 (1xxx)
	CodeAuthFailed   ErrorCode = "AUTH_FAILED"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// 资源不存在 (2xxx)
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeUserNotFound    ErrorCode = "USER_NOT_FOUND"
	CodeRuleNotFound    ErrorCode = "RULE_NOT_FOUND"
	CodeServiceNotFound ErrorCode = "SERVICE_NOT_FOUND"

	// 资源冲突 (3xxx)
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	CodeConflict      ErrorCode = "CONFLICT"

	// 请求错误 (4xxx)
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeInvalidParam   ErrorCode = "INVALID_PARAM"
	CodeMissingParam   ErrorCode = "MISSING_PARAM"
	CodeInvalidState   ErrorCode = "INVALID_STATE"
	CodeConfigError    ErrorCode = "CONFIG_ERROR"

	// 配额/权限错误 (5xxx)
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	CodeUserDisabled   ErrorCode = "USER_DISABLED"
	CodeCounterAnomaly ErrorCode = "COUNTER_ANOMALY"

	// 系统错误 (6xxx)
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
	CodeStorageError  ErrorCode = "STORAGE_ERROR"
	CodeBrokerError   ErrorCode = "BROKER_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeUnavailable   ErrorCode = "UNAVAILABLE"
	CodeServiceClosed ErrorCode = "SERVICE_CLOSED"
)

// Error 带错误码的错误类型
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持 errors.Is 进行错误码比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New 创建新错误
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf 创建格式化错误
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf 格式化包装错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// GetCode 从错误中提取错误码
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode 检查错误是否为指定错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is 透传标准库 errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 透传标准库 errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
