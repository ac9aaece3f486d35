package api

import (
	"net/http"

	"flowgate/internal/metering"
)

// 引擎回调端点位于代理热路径，响应为引擎约定的固定结构，
// 不使用管理端点的统一信封

// AuthRequest /auth 回调请求
type AuthRequest struct {
	Service string `json:"service"`
	Network string `json:"network"`
	Addr    string `json:"addr"`
}

// LimiterRequest /limiter 回调请求
type LimiterRequest struct {
	Scope   string `json:"scope"`
	Service string `json:"service"`
	Network string `json:"network"`
	Addr    string `json:"addr"`
	Client  string `json:"client"`
}

// handleObserver 处理引擎计数器上报
//
// POST /flowgate/v1/observer
//
// 请求体为一批 {service, stats} 上报；未知服务静默丢弃，
// 始终 200 应答，避免引擎侧因控制面异常而重试风暴
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	var reports []metering.ServiceReport
	if err := parseJSONBody(r, &reports); err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	s.core.HandleObserver(r.Context(), reports)
	s.helper.Raw(w, http.StatusOK, ObserverResponse{Accepted: len(reports)})
}

// handleAuth 处理连接准入回调
//
// POST /flowgate/v1/auth
//
// 返回 {ok, id}：ok 为 false 时引擎拒绝该连接
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := parseJSONBody(r, &req); err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, ownerID := s.core.Authorize(req.Service)
	s.helper.Raw(w, http.StatusOK, AuthResponse{Ok: ok, ID: ownerID})
}

// handleLimiter 处理限速回调
//
// POST /flowgate/v1/limiter
//
// 返回 {in, out}：-1 不限速，0 阻断
func (s *Server) handleLimiter(w http.ResponseWriter, r *http.Request) {
	var req LimiterRequest
	if err := parseJSONBody(r, &req); err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	in, out := s.core.Limit(req.Service)
	s.helper.Raw(w, http.StatusOK, LimiterResponse{In: in, Out: out})
}
