// Package api 实现控制面 HTTP 服务
// 两类端点共用一个监听：引擎回调（observer/auth/limiter，免认证、
// 响应不套信封）与管理端点（配额、用量、规则通知，统一信封、可配认证）
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"flowgate/internal/config"
	"flowgate/internal/core/dispose"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/health"
	"flowgate/internal/metering"
	"flowgate/internal/models"
)

// basePath API 基础路径
const basePath = "/flowgate/v1"

// Core 控制面核心能力（由装配层实现）
// API 层只做协议编解码，业务语义全部在核心侧
type Core interface {
	// HandleObserver 处理引擎计数器上报
	HandleObserver(ctx context.Context, reports []metering.ServiceReport)

	// Authorize 连接准入判定
	Authorize(serviceKey string) (ok bool, ownerID string)

	// Limit 限速判定
	Limit(serviceKey string) (in, out int64)

	// ResetUsage 重置用户用量
	ResetUsage(ctx context.Context, userID, reason string) error

	// SetQuota 调整用户配额（nil 表示无限制）
	SetQuota(ctx context.Context, userID string, quotaBytes *int64) error

	// SetUserMeta 同步用户角色与状态
	SetUserMeta(ctx context.Context, userID string, role models.UserRole, status models.UserStatus)

	// OnRuleChanged 规则创建或更新通知
	OnRuleChanged(ctx context.Context, rule *models.Rule) error

	// OnRuleDeleted 规则删除通知
	OnRuleDeleted(ctx context.Context, ruleID string) error

	// GetUsage 查询用户用量
	GetUsage(ctx context.Context, userID string) (*models.UserUsage, error)

	// ListEvents 查询用户配额事件
	ListEvents(ctx context.Context, userID string, limit int) ([]*models.QuotaEvent, error)

	// Stats 运行统计
	Stats() map[string]interface{}

	// Health 组件健康状态
	Health(ctx context.Context) (health.ComponentStatus, map[string]*health.ComponentHealth)
}

// Server 控制面 HTTP 服务器
type Server struct {
	*dispose.ManagerBase

	serverCfg config.ServerConfig
	mgmtCfg   config.ManagementConfig
	core      Core
	router    *mux.Router
	server    *http.Server
	helper    *ResponseHelper
	limiter   *rate.Limiter
}

// NewServer 创建控制面服务器
func NewServer(ctx context.Context, serverCfg config.ServerConfig, mgmtCfg config.ManagementConfig, core Core) *Server {
	s := &Server{
		ManagerBase: dispose.NewManager("ControlAPIServer", ctx),
		serverCfg:   serverCfg,
		mgmtCfg:     mgmtCfg,
		core:        core,
		router:      mux.NewRouter(),
		helper:      NewResponseHelper(),
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         serverCfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  serverCfg.ReadTimeout,
		WriteTimeout: serverCfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.AddCleanHandler(func() error {
		corelog.Infof("ControlAPIServer: shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	return s
}

// Serve 启动服务器并阻塞到关闭
func (s *Server) Serve() error {
	corelog.Infof("ControlAPIServer: starting on %s", s.serverCfg.ListenAddr)
	corelog.Infof("ControlAPIServer: engine callbacks at %s/{observer,auth,limiter}", basePath)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler 返回路由处理器（测试用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// registerRoutes 注册所有路由
func (s *Server) registerRoutes() {
	// 健康检查端点（免认证）
	probe := s.router.PathPrefix(basePath).Subrouter()
	probe.HandleFunc("/health", s.handleHealth).Methods("GET")
	probe.HandleFunc("/ready", s.handleReady).Methods("GET")

	// 引擎回调端点（热路径，免认证，响应不套信封）
	engine := s.router.PathPrefix(basePath).Subrouter()
	engine.Use(s.loggingMiddleware)
	engine.HandleFunc("/observer", s.handleObserver).Methods("POST")
	engine.HandleFunc("/auth", s.handleAuth).Methods("POST")
	engine.HandleFunc("/limiter", s.handleLimiter).Methods("POST")

	// 管理端点（统一信封，按配置认证）
	admin := s.router.PathPrefix(basePath).Subrouter()
	admin.Use(s.loggingMiddleware)
	if s.mgmtCfg.CORS.Enabled {
		admin.Use(s.corsMiddleware)
	}
	if s.mgmtCfg.RateLimit > 0 {
		burst := s.mgmtCfg.RateBurst
		if burst <= 0 {
			burst = int(s.mgmtCfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(s.mgmtCfg.RateLimit), burst)
		admin.Use(s.rateLimitMiddleware)
	}
	if s.mgmtCfg.AuthType != "none" {
		admin.Use(s.authMiddleware)
	}
	admin.HandleFunc("/users/{user_id}/usage", s.handleGetUsage).Methods("GET")
	admin.HandleFunc("/users/{user_id}/reset", s.handleResetUsage).Methods("POST")
	admin.HandleFunc("/users/{user_id}/quota", s.handleSetQuota).Methods("PUT")
	admin.HandleFunc("/users/{user_id}/status", s.handleSetUserStatus).Methods("PUT")
	admin.HandleFunc("/users/{user_id}/events", s.handleListEvents).Methods("GET")
	admin.HandleFunc("/rules/changed", s.handleRuleChanged).Methods("POST")
	admin.HandleFunc("/rules/{rule_id}", s.handleRuleDeleted).Methods("DELETE")
	admin.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// loggingMiddleware 日志中间件
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		corelog.Debugf("API: %s %s - %s", r.Method, r.RequestURI, time.Since(start))
	})
}

// corsMiddleware 管理端点的 CORS 中间件
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.mgmtCfg.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.mgmtCfg.CORS.AllowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.mgmtCfg.CORS.AllowedHeaders, ", "))
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		// 预检请求直接应答
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware 管理端点限流（引擎回调不经过此中间件）
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.helper.Error(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware 认证中间件（api_key / jwt）
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.helper.Error(w, http.StatusUnauthorized, "Missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.helper.Error(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}
		token := parts[1]

		switch s.mgmtCfg.AuthType {
		case "api_key":
			if token != s.mgmtCfg.APIKey {
				s.helper.Error(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

		case "jwt":
			if err := s.validateJWT(token); err != nil {
				s.helper.Error(w, http.StatusUnauthorized, fmt.Sprintf("Invalid JWT token: %v", err))
				return
			}

		default:
			s.helper.Error(w, http.StatusInternalServerError, "Unknown auth type")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateJWT 校验 HMAC 签名的 JWT
func (s *Server) validateJWT(tokenStr string) error {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.mgmtCfg.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("token is not valid")
	}
	return nil
}

// handleHealth 健康检查
// 任一组件不健康时返回 503，便于负载均衡器摘除节点
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, components := s.core.Health(r.Context())

	statusCode := http.StatusOK
	if status != health.ComponentStatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}

	s.helper.Raw(w, statusCode, map[string]interface{}{
		"status":     status,
		"components": components,
		"time":       time.Now().Format(time.RFC3339),
	})
}

// handleReady 就绪检查
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.helper.Raw(w, http.StatusOK, map[string]interface{}{
		"ready": true,
	})
}

// getStringPathVar 获取路径参数
func getStringPathVar(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return str, nil
}

// parseJSONBody 解析 JSON 请求体
func parseJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}
