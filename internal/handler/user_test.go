package handler

import (
	"net/http"
	"testing"

	"secure-msg-backend/internal/model"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	var out map[string]string
	status := s.do(t, call{method: http.MethodGet, path: "/api/health"}, &out)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestActivateLoginLogout(t *testing.T) {
	s := newTestServer(t)
	key := s.issueKey(t, s.adminToken(t), "", "")

	var acc model.Account
	status := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/activate",
		body: ActivateInput{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-A"}}, &acc)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "alice", acc.Username)
	assert.Equal(t, model.OriginCloud, acc.Origin)

	token := s.userToken(t, "alice", "dev-A")

	var valid struct {
		Valid    bool `json:"valid"`
		Identity struct {
			Username string `json:"username"`
			Mode     string `json:"mode"`
		} `json:"identity"`
	}
	status = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/validate-token", body: TokenInput{Token: token}}, &valid)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, valid.Valid)
	assert.Equal(t, "alice", valid.Identity.Username)
	assert.Equal(t, "CLOUD", valid.Identity.Mode)

	status = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/logout", body: TokenInput{Token: token}}, nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	var e errorBody
	status = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/validate-token", body: TokenInput{Token: token}}, &e)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "SESSION_INVALID", e.Error)
}

func TestEndUserErrorsAreMasked(t *testing.T) {
	s := newTestServer(t)
	admin := s.adminToken(t)
	key := s.issueKey(t, admin, "", "")
	require.Equal(t, fiber.StatusCreated, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/activate",
		body: ActivateInput{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-A"}}, nil))

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"consumed key", "/api/v1/auth/activate",
			ActivateInput{LicenseKey: key, Username: "bob", AccessCode: "12345", DeviceID: "dev-B"},
			fiber.StatusConflict, "KEY_INVALID"},
		{"unknown key", "/api/v1/auth/activate",
			ActivateInput{LicenseKey: "AAAAA-BBBBB-CCCCC", Username: "bob", AccessCode: "12345", DeviceID: "dev-B"},
			fiber.StatusConflict, "KEY_INVALID"},
		{"missing fields", "/api/v1/auth/activate",
			ActivateInput{LicenseKey: key},
			fiber.StatusBadRequest, "INVALID_INPUT"},
		{"unknown user", "/api/v1/auth/login",
			LoginInput{Username: "mallory", AccessCode: "12345", DeviceID: "dev-M"},
			fiber.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"wrong code", "/api/v1/auth/login",
			LoginInput{Username: "alice", AccessCode: "99999", DeviceID: "dev-A"},
			fiber.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"other device", "/api/v1/auth/login",
			LoginInput{Username: "alice", AccessCode: "12345", DeviceID: "dev-X"},
			fiber.StatusForbidden, "DEVICE_NOT_BOUND"},
		{"bad admin password", "/api/v1/admin/login",
			AdminLoginInput{Username: adminUser, Password: "nope"},
			fiber.StatusUnauthorized, "INVALID_CREDENTIALS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorBody
			status := s.do(t, call{method: http.MethodPost, path: tt.path, body: tt.body}, &e)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, e.Error)
		})
	}
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	s := newTestServer(t)
	key := s.issueKey(t, s.adminToken(t), "", "")
	require.Equal(t, fiber.StatusCreated, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/activate",
		body: ActivateInput{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-A"}}, nil))
	user := s.userToken(t, "alice", "dev-A")

	var e errorBody
	status := s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/accounts"}, &e)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "SESSION_INVALID", e.Error)

	status = s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/accounts", token: user}, &e)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", e.Error)
}

func TestAdminAccountActions(t *testing.T) {
	s := newTestServer(t)
	admin := s.adminToken(t)
	key := s.issueKey(t, admin, "", "")
	var acc model.Account
	require.Equal(t, fiber.StatusCreated, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/activate",
		body: ActivateInput{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-A"}}, &acc))
	user := s.userToken(t, "alice", "dev-A")

	var list struct {
		Accounts []model.Account `json:"accounts"`
		Total    int64           `json:"total"`
	}
	require.Equal(t, fiber.StatusOK, s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/accounts?keyword=ali", token: admin}, &list))
	assert.EqualValues(t, 1, list.Total)
	require.Equal(t, fiber.StatusOK, s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/accounts?blocked=true", token: admin}, &list))
	assert.EqualValues(t, 0, list.Total)
	assert.Equal(t, fiber.StatusBadRequest, s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/accounts?blocked=maybe", token: admin}, nil))

	assert.Equal(t, fiber.StatusNoContent, s.do(t, call{method: http.MethodPost, path: "/api/v1/admin/accounts/" + acc.ID + "/block", token: admin}, nil))
	// 封禁后旧会话立即失效
	assert.Equal(t, fiber.StatusUnauthorized, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/validate-token", body: TokenInput{Token: user}}, nil))
	var e errorBody
	assert.Equal(t, fiber.StatusForbidden, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login",
		body: LoginInput{Username: "alice", AccessCode: "12345", DeviceID: "dev-A"}}, &e))
	assert.Equal(t, "ACCOUNT_BLOCKED", e.Error)
	assert.Equal(t, fiber.StatusNoContent, s.do(t, call{method: http.MethodPost, path: "/api/v1/admin/accounts/" + acc.ID + "/unblock", token: admin}, nil))

	// 重置设备后需要重新激活才能在新设备登录
	assert.Equal(t, fiber.StatusNoContent, s.do(t, call{method: http.MethodPost, path: "/api/v1/admin/accounts/" + acc.ID + "/reset-device", token: admin}, nil))
	require.Equal(t, fiber.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/reactivate",
		body: ActivateInput{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-B"}}, nil))
	s.userToken(t, "alice", "dev-B")

	var q model.Quota
	require.Equal(t, fiber.StatusOK, s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/quota", token: admin}, &q))
	assert.Equal(t, 1, q.Used)

	assert.Equal(t, fiber.StatusNoContent, s.do(t, call{method: http.MethodDelete, path: "/api/v1/admin/accounts/" + acc.ID, token: admin}, nil))
	assert.Equal(t, fiber.StatusNotFound, s.do(t, call{method: http.MethodDelete, path: "/api/v1/admin/accounts/" + acc.ID, token: admin}, &e))
	assert.Equal(t, "ACCOUNT_NOT_FOUND", e.Error)
	require.Equal(t, fiber.StatusOK, s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/quota", token: admin}, &q))
	assert.Equal(t, 0, q.Used)
}

func TestActivityEndpoint(t *testing.T) {
	s := newTestServer(t)
	admin := s.adminToken(t)
	key := s.issueKey(t, admin, "", "")
	require.Equal(t, fiber.StatusCreated, s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/activate",
		body: ActivateInput{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-A"}}, nil))
	token := s.userToken(t, "alice", "dev-A")

	var out struct {
		Logged bool `json:"logged"`
	}
	require.Equal(t, fiber.StatusCreated, s.do(t, call{method: http.MethodPost, path: "/api/v1/activity", token: token,
		body: ActivityInput{Action: "open_chat", Metadata: map[string]interface{}{"room": "ops"}}}, &out))
	assert.True(t, out.Logged)

	var e errorBody
	assert.Equal(t, fiber.StatusUnauthorized, s.do(t, call{method: http.MethodPost, path: "/api/v1/activity",
		body: ActivityInput{Action: "open_chat"}}, nil))
	assert.Equal(t, fiber.StatusBadRequest, s.do(t, call{method: http.MethodPost, path: "/api/v1/activity", token: token,
		body: ActivityInput{}}, &e))
	assert.Equal(t, "INVALID_INPUT", e.Error)
	assert.Equal(t, fiber.StatusForbidden, s.do(t, call{method: http.MethodPost, path: "/api/v1/activity", token: admin,
		body: ActivityInput{Action: "open_chat"}}, nil))

	var stats struct {
		Statistics model.LicenseStatistics `json:"statistics"`
	}
	require.Equal(t, fiber.StatusOK, s.do(t, call{method: http.MethodGet, path: "/api/v1/admin/statistics", token: admin}, &stats))
	// 登录与上报各一条
	assert.EqualValues(t, 2, stats.Statistics.DailyUsage)
	assert.EqualValues(t, 1, stats.Statistics.ActiveSessions)
}
