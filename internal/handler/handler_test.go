package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"secure-msg-backend/internal/config"
	"secure-msg-backend/internal/database"
	"secure-msg-backend/internal/metrics"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminUser     = "admin"
	adminPassword = "admin-password"
)

type upProber struct{}

func (upProber) Probe(context.Context, string) error { return nil }

type testServer struct {
	app *fiber.App
	svc *service.Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "handler-secret-0123456789"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	seats := 10
	cfg.Quota.DefaultSeats = &seats
	require.NoError(t, database.SeedAdmin(db, adminUser, adminPassword, bcrypt.MinCost))

	svc := service.New(service.NewStore(db), cfg, service.Options{
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(prometheus.NewRegistry()),
		Prober:  upProber{},
	})
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	New(svc, cfg, zerolog.Nop()).Register(app)
	return &testServer{app: app, svc: svc}
}

type call struct {
	method string
	path   string
	body   interface{}
	token  string
	tenant string
	mode   string
}

// do 发送请求并把响应体解析到 out (可为 nil)
func (s *testServer) do(t *testing.T, c call, out interface{}) int {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.mode != "" {
		req.Header.Set("X-Mode", c.mode)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	status := s.do(t, call{method: http.MethodPost, path: "/api/v1/admin/login",
		body: AdminLoginInput{Username: adminUser, Password: adminPassword}}, &out)
	require.Equal(t, fiber.StatusOK, status)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func (s *testServer) issueKey(t *testing.T, token, tenant, mode string) string {
	t.Helper()
	var out struct {
		Licenses []struct {
			Key string `json:"key"`
		} `json:"licenses"`
	}
	status := s.do(t, call{method: http.MethodPost, path: "/api/v1/admin/keys", token: token, tenant: tenant, mode: mode,
		body: IssueKeysInput{Tier: "unlimited", Count: 1, MaxDevices: 1}}, &out)
	require.Equal(t, fiber.StatusCreated, status)
	require.Len(t, out.Licenses, 1)
	return out.Licenses[0].Key
}

func (s *testServer) userToken(t *testing.T, username, device string) string {
	t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	status := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login",
		body: LoginInput{Username: username, AccessCode: "12345", DeviceID: device}}, &out)
	require.Equal(t, fiber.StatusOK, status)
	return out.Token
}
