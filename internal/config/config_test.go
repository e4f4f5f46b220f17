package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
auth:
  jwt_secret: "0123456789abcdef0123"
  admin_password: "s3cret"
  session_ttl: 2h
  enforce_device_pinning: false
quota:
  default_seats: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "public", cfg.Server.DefaultTenant)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 12*time.Hour, cfg.Auth.OfflineSessionTTL)
	assert.False(t, cfg.Auth.DevicePinning())
	assert.Equal(t, 50, cfg.Quota.Seats())
	assert.Equal(t, "Master Key List", cfg.Sheets.SheetName)
	assert.Contains(t, cfg.Tickets.ReplyTemplate, "[TEXT]")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "0123456789abcdef0123"
  admin_password: "from-file"
`)
	t.Setenv("SECMSG_AUTH_ADMIN_PASSWORD", "from-env")
	t.Setenv("SECMSG_HUB_STALE_AFTER", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.AdminPassword)
	assert.Equal(t, 5*time.Second, cfg.Hub.StaleAfter)
	assert.True(t, cfg.Auth.DevicePinning())
	assert.Equal(t, 1000, cfg.Quota.Seats())
}

func TestZeroDefaultSeatsIsKept(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "0123456789abcdef0123"
  admin_password: "pw"
quota:
  default_seats: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Quota.DefaultSeats)
	assert.Zero(t, cfg.Quota.Seats())

	t.Setenv("SECMSG_QUOTA_DEFAULT_SEATS", "7")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Quota.Seats())
}

func TestMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("SECMSG_AUTH_JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("SECMSG_AUTH_ADMIN_PASSWORD", "pw")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, ":80", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "short_secret",
			body: "auth:\n  jwt_secret: short\n  admin_password: pw\n",
		},
		{
			name: "missing_admin_password",
			body: "auth:\n  jwt_secret: 0123456789abcdef0123\n",
		},
		{
			name: "negative_default_seats",
			body: "auth:\n  jwt_secret: 0123456789abcdef0123\n  admin_password: pw\nquota:\n  default_seats: -1\n",
		},
		{
			name: "sheets_without_credentials",
			body: "auth:\n  jwt_secret: 0123456789abcdef0123\n  admin_password: pw\nsheets:\n  enabled: true\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
