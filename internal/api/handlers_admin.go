package api

import (
	"net/http"
	"strconv"

	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/models"
)

// handleGetUsage 查询用户用量
//
// GET /flowgate/v1/users/{user_id}/usage
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := getStringPathVar(r, "user_id")
	if err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	usage, err := s.core.GetUsage(r.Context(), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.helper.Success(w, http.StatusOK, usage)
}

// handleResetUsage 重置用户用量
//
// POST /flowgate/v1/users/{user_id}/reset
//
// 同步失效本地缓存并广播后才返回
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := getStringPathVar(r, "user_id")
	if err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ResetUsageRequest
	if r.ContentLength > 0 {
		if err := parseJSONBody(r, &req); err != nil {
			s.helper.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "admin reset"
	}

	if err := s.core.ResetUsage(r.Context(), userID, req.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	s.helper.Success(w, http.StatusOK, map[string]string{"user_id": userID})
}

// handleSetQuota 调整用户配额
//
// PUT /flowgate/v1/users/{user_id}/quota
//
// 请求体 {"quota_bytes": N}；null 表示无限制
func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	userID, err := getStringPathVar(r, "user_id")
	if err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SetQuotaRequest
	if err := parseJSONBody(r, &req); err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.QuotaBytes != nil && *req.QuotaBytes < 0 {
		s.helper.Error(w, http.StatusBadRequest, "quota_bytes must not be negative")
		return
	}

	if err := s.core.SetQuota(r.Context(), userID, req.QuotaBytes); err != nil {
		s.respondError(w, err)
		return
	}
	s.helper.Success(w, http.StatusOK, map[string]string{"user_id": userID})
}

// handleSetUserStatus 同步用户角色与状态
//
// PUT /flowgate/v1/users/{user_id}/status
func (s *Server) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := getStringPathVar(r, "user_id")
	if err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SetUserStatusRequest
	if err := parseJSONBody(r, &req); err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	role := models.UserRole(req.Role)
	if role != models.RoleUser && role != models.RoleAdmin {
		s.helper.Error(w, http.StatusBadRequest, "role must be user or admin")
		return
	}
	status := models.UserStatus(req.Status)
	switch status {
	case models.UserStatusActive, models.UserStatusDisabled, models.UserStatusExpired:
	default:
		s.helper.Error(w, http.StatusBadRequest, "status must be active, disabled or expired")
		return
	}

	s.core.SetUserMeta(r.Context(), userID, role, status)
	s.helper.Success(w, http.StatusOK, map[string]string{"user_id": userID})
}

// handleListEvents 查询用户配额事件历史
//
// GET /flowgate/v1/users/{user_id}/events?limit=N
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := getStringPathVar(r, "user_id")
	if err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.core.ListEvents(r.Context(), userID, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.helper.Success(w, http.StatusOK, events)
}

// handleRuleChanged 规则创建或更新通知
//
// POST /flowgate/v1/rules/changed
//
// 请求体为完整规则行；外部 CRUD 层在落库后调用
func (s *Server) handleRuleChanged(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := parseJSONBody(r, &rule); err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.core.OnRuleChanged(r.Context(), &rule); err != nil {
		s.respondError(w, err)
		return
	}
	s.helper.Success(w, http.StatusOK, map[string]string{"rule_id": rule.ID})
}

// handleRuleDeleted 规则删除通知
//
// DELETE /flowgate/v1/rules/{rule_id}
func (s *Server) handleRuleDeleted(w http.ResponseWriter, r *http.Request) {
	ruleID, err := getStringPathVar(r, "rule_id")
	if err != nil {
		s.helper.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.core.OnRuleDeleted(r.Context(), ruleID); err != nil {
		s.respondError(w, err)
		return
	}
	s.helper.Success(w, http.StatusOK, map[string]string{"rule_id": ruleID})
}

// handleStats 运行统计
//
// GET /flowgate/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.helper.Success(w, http.StatusOK, s.core.Stats())
}

// respondError 按错误码映射 HTTP 状态
func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := coreerrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case coreerrors.CodeNotFound, coreerrors.CodeUserNotFound,
		coreerrors.CodeRuleNotFound, coreerrors.CodeServiceNotFound:
		status = http.StatusNotFound
	case coreerrors.CodeInvalidRequest, coreerrors.CodeInvalidParam:
		status = http.StatusBadRequest
	}
	s.helper.Error(w, status, err.Error())
}
