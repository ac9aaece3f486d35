package api

import (
	"encoding/json"
	"net/http"
)

// ResponseHelper 响应辅助工具
// 提供统一的API响应格式
type ResponseHelper struct{}

// NewResponseHelper 创建响应辅助工具
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 返回成功响应
func (h *ResponseHelper) Success(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ResponseData{
		Success: true,
		Data:    data,
	}
	json.NewEncoder(w).Encode(response)
}

// Error 返回错误响应
func (h *ResponseHelper) Error(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ResponseData{
		Success: false,
		Error:   message,
	}
	json.NewEncoder(w).Encode(response)
}

// Raw 直接返回 JSON 对象（不套统一信封）
// 引擎回调端点使用：引擎侧按固定结构解析响应
func (h *ResponseHelper) Raw(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
