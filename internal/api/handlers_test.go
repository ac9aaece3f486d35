package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/internal/config"
	coreerrors "flowgate/internal/core/errors"
	"flowgate/internal/health"
	"flowgate/internal/metering"
	"flowgate/internal/models"
)

// fakeCore 控制面核心的测试替身
type fakeCore struct {
	reports    []metering.ServiceReport
	authOk     bool
	authOwner  string
	limitIn    int64
	limitOut   int64
	usage      *models.UserUsage
	usageErr   error
	events     []*models.QuotaEvent
	resetCalls []string
	quotaCalls []*int64
	rules      []*models.Rule
	deleted    []string
	healthy    bool
}

func (f *fakeCore) HandleObserver(_ context.Context, reports []metering.ServiceReport) {
	f.reports = append(f.reports, reports...)
}

func (f *fakeCore) Authorize(string) (bool, string) { return f.authOk, f.authOwner }

func (f *fakeCore) Limit(string) (int64, int64) { return f.limitIn, f.limitOut }

func (f *fakeCore) ResetUsage(_ context.Context, userID, reason string) error {
	f.resetCalls = append(f.resetCalls, userID+":"+reason)
	return nil
}

func (f *fakeCore) SetQuota(_ context.Context, _ string, quotaBytes *int64) error {
	f.quotaCalls = append(f.quotaCalls, quotaBytes)
	return nil
}

func (f *fakeCore) SetUserMeta(context.Context, string, models.UserRole, models.UserStatus) {}

func (f *fakeCore) OnRuleChanged(_ context.Context, rule *models.Rule) error {
	f.rules = append(f.rules, rule)
	return nil
}

func (f *fakeCore) OnRuleDeleted(_ context.Context, ruleID string) error {
	f.deleted = append(f.deleted, ruleID)
	return nil
}

func (f *fakeCore) GetUsage(context.Context, string) (*models.UserUsage, error) {
	return f.usage, f.usageErr
}

func (f *fakeCore) ListEvents(context.Context, string, int) ([]*models.QuotaEvent, error) {
	return f.events, nil
}

func (f *fakeCore) Stats() map[string]interface{} {
	return map[string]interface{}{"uptime": "1s"}
}

func (f *fakeCore) Health(context.Context) (health.ComponentStatus, map[string]*health.ComponentHealth) {
	if f.healthy {
		return health.ComponentStatusHealthy, nil
	}
	return health.ComponentStatusUnhealthy, nil
}

func newTestServer(t *testing.T, core *fakeCore, mgmtCfg config.ManagementConfig) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return NewServer(ctx, config.ServerConfig{
		ListenAddr:      ":0",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}, mgmtCfg, core)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func noAuth() config.ManagementConfig {
	return config.ManagementConfig{AuthType: "none"}
}

func TestHandleObserver(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/observer", []metering.ServiceReport{
		{ServiceKey: "svc-1", Stats: models.ServiceStats{InputBytes: 100, OutputBytes: 50}},
		{ServiceKey: "svc-2", Stats: models.ServiceStats{InputBytes: 10}},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ObserverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Len(t, core.reports, 2)
	assert.Equal(t, "svc-1", core.reports[0].ServiceKey)
}

func TestHandleAuth(t *testing.T) {
	core := &fakeCore{authOk: true, authOwner: "u1"}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/auth",
		AuthRequest{Service: "svc-1", Network: "tcp", Addr: "1.2.3.4:10001"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Ok)
	assert.Equal(t, "u1", resp.ID)
}

func TestHandleAuthDenied(t *testing.T) {
	core := &fakeCore{authOk: false}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/auth", AuthRequest{Service: "svc-x"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ok)
	assert.Empty(t, resp.ID)
}

func TestHandleLimiterSentinels(t *testing.T) {
	core := &fakeCore{limitIn: -1, limitOut: -1}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/limiter", LimiterRequest{Service: "svc-1"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp LimiterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(-1), resp.In)
	assert.Equal(t, int64(-1), resp.Out)

	core.limitIn, core.limitOut = 0, 0
	rec = doJSON(t, s.Handler(), "POST", "/flowgate/v1/limiter", LimiterRequest{Service: "svc-1"}, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.In)
	assert.Zero(t, resp.Out)
}

func TestHandleObserverBadBody(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, noAuth())

	req := httptest.NewRequest("POST", "/flowgate/v1/observer", bytes.NewBufferString("not-json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetUsage(t *testing.T) {
	quota := int64(1000)
	core := &fakeCore{usage: &models.UserUsage{
		UserID:     "u1",
		QuotaBytes: &quota,
		UsedBytes:  500,
		AlertLevel: models.AlertNormal,
		Allowed:    true,
	}}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/users/u1/usage", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleGetUsageNotFound(t *testing.T) {
	core := &fakeCore{usageErr: coreerrors.ErrNotFound}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/users/u1/usage", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResetUsage(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/users/u1/reset",
		ResetUsageRequest{Reason: "billing cycle"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, core.resetCalls, 1)
	assert.Equal(t, "u1:billing cycle", core.resetCalls[0])
}

func TestHandleResetUsageDefaultReason(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/users/u1/reset", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, core.resetCalls, 1)
	assert.Equal(t, "u1:admin reset", core.resetCalls[0])
}

func TestHandleSetQuota(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, noAuth())

	quota := int64(1 << 30)
	rec := doJSON(t, s.Handler(), "PUT", "/flowgate/v1/users/u1/quota",
		SetQuotaRequest{QuotaBytes: &quota}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, core.quotaCalls, 1)
	require.NotNil(t, core.quotaCalls[0])
	assert.Equal(t, int64(1<<30), *core.quotaCalls[0])

	// null 配额表示无限制
	rec = doJSON(t, s.Handler(), "PUT", "/flowgate/v1/users/u1/quota",
		map[string]interface{}{"quota_bytes": nil}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, core.quotaCalls, 2)
	assert.Nil(t, core.quotaCalls[1])
}

func TestHandleSetQuotaNegativeRejected(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, noAuth())

	quota := int64(-1)
	rec := doJSON(t, s.Handler(), "PUT", "/flowgate/v1/users/u1/quota",
		SetQuotaRequest{QuotaBytes: &quota}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetUserStatusValidation(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, noAuth())

	rec := doJSON(t, s.Handler(), "PUT", "/flowgate/v1/users/u1/status",
		SetUserStatusRequest{Role: "user", Status: "active"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), "PUT", "/flowgate/v1/users/u1/status",
		SetUserStatusRequest{Role: "superuser", Status: "active"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), "PUT", "/flowgate/v1/users/u1/status",
		SetUserStatusRequest{Role: "user", Status: "frozen"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRuleChangedAndDeleted(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "POST", "/flowgate/v1/rules/changed", models.Rule{
		ID: "r1", UserID: "u1", ServiceKey: "svc-1", IsActive: true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, core.rules, 1)
	assert.Equal(t, "r1", core.rules[0].ID)

	rec = doJSON(t, s.Handler(), "DELETE", "/flowgate/v1/rules/r1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"r1"}, core.deleted)
}

func TestHandleListEvents(t *testing.T) {
	core := &fakeCore{events: []*models.QuotaEvent{
		{ID: "e1", UserID: "u1", Kind: models.EventKindLevelChange},
	}}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/users/u1/events?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleHealth(t *testing.T) {
	core := &fakeCore{healthy: true}
	s := newTestServer(t, core, noAuth())

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	core.healthy = false
	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, config.ManagementConfig{AuthType: "api_key", APIKey: "secret-key"})

	// 管理端点要求认证
	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Authorization": "Bearer wrong-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Authorization": "Bearer secret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// 引擎回调端点免认证
	rec = doJSON(t, s.Handler(), "POST", "/flowgate/v1/auth", AuthRequest{Service: "svc-1"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, config.ManagementConfig{AuthType: "jwt", JWTSecret: "jwt-secret"})

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	assert.Equal(t, http.StatusOK, rec.Code)

	// 用错误密钥签名的令牌被拒绝
	signed, err = token.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, config.ManagementConfig{
		AuthType: "none",
		CORS: config.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"https://admin.example.com"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		},
	})

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Origin": "https://admin.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")

	// 不在白名单的来源不返回 CORS 头
	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil,
		map[string]string{"Origin": "https://evil.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminRateLimit(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(t, core, config.ManagementConfig{
		AuthType:  "none",
		RateLimit: 1,
		RateBurst: 2,
	})

	rec := doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 突发额度用尽后限流
	rec = doJSON(t, s.Handler(), "GET", "/flowgate/v1/stats", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// 引擎回调端点不经过限流中间件
	rec = doJSON(t, s.Handler(), "POST", "/flowgate/v1/auth", AuthRequest{Service: "svc-1"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
