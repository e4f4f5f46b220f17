package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"secure-msg-backend/internal/config"
	"secure-msg-backend/internal/database"
	"secure-msg-backend/internal/metrics"
	"secure-msg-backend/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testTenant   = "public"
	testHub      = "acme"
	testOperator = "op-1"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProber) Probe(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProber) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, event string, _ any) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type memRevocations struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (m *memRevocations) MarkRevoked(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	m.ids[id] = true
	m.mu.Unlock()
	return nil
}

func (m *memRevocations) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[id], nil
}

type recordingSink struct {
	mu      sync.Mutex
	pushed  map[string][]model.MasterKeyEntry
	pushErr error
}

func (s *recordingSink) PushSnapshot(_ context.Context, tenantID string, entries []model.MasterKeyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed[tenantID] = entries
	return s.pushErr
}

type fixture struct {
	svc         *Services
	db          *gorm.DB
	cfg         *config.Config
	clock       *testClock
	prober      *fakeProber
	events      *recordingPublisher
	revocations *memRevocations
	sink        *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "test-secret-0123456789"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Auth.SessionTTL = 24 * time.Hour
	cfg.Auth.OfflineSessionTTL = time.Hour
	seats := 50
	cfg.Quota.DefaultSeats = &seats

	f := &fixture{
		db:          db,
		cfg:         cfg,
		clock:       &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		prober:      &fakeProber{},
		events:      &recordingPublisher{},
		revocations: &memRevocations{ids: make(map[string]bool)},
		sink:        &recordingSink{pushed: make(map[string][]model.MasterKeyEntry)},
	}
	f.svc = New(NewStore(db), cfg, Options{
		Logger:      zerolog.Nop(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Events:      f.events,
		Revocations: f.revocations,
		Prober:      f.prober,
		Exports:     f.sink,
		Clock:       f.clock.Now,
	})
	return f
}

func (f *fixture) cloud() Authority {
	return CloudAuthority(testTenant)
}

// lan 创建并启动 hub, 返回解析出的 LAN_HUB 权威
func (f *fixture) lan(t *testing.T, seats int) Authority {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Authority.CreateHub(ctx, testOperator, HubSpec{TenantID: testHub, BundleID: "bundle-1", Seats: seats, HealthURL: "http://hub.local/api/health"})
	require.NoError(t, err)
	_, err = f.svc.Authority.StartHub(ctx, testOperator, testHub)
	require.NoError(t, err)
	auth, err := f.svc.Authority.Resolve(ctx, testHub, "lan")
	require.NoError(t, err)
	require.Equal(t, ModeLANHub, auth.Mode)
	return auth
}

func (f *fixture) issueKey(t *testing.T, auth Authority, tier string, maxDevices int) string {
	t.Helper()
	keys, err := f.svc.Admin.IssueKeys(context.Background(), auth, testOperator, IssueKeysRequest{Tier: tier, Count: 1, MaxDevices: maxDevices})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	return keys[0].KeyCode
}

func (f *fixture) activate(t *testing.T, auth Authority, key, username, code, device string) *model.Account {
	t.Helper()
	acc, err := f.svc.Gateway.Activate(context.Background(), auth, ActivateRequest{
		LicenseKey: key, Username: username, AccessCode: code, DeviceID: device,
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) login(auth Authority, username, code, device string) (*LoginResult, error) {
	return f.svc.Gateway.Login(context.Background(), auth, LoginRequest{Username: username, AccessCode: code, DeviceID: device})
}

func (f *fixture) quota(t *testing.T, tenant string) model.Quota {
	t.Helper()
	q, err := f.svc.Quotas.Get(context.Background(), tenant)
	require.NoError(t, err)
	return q
}

func (f *fixture) countAccounts(t *testing.T, tenant string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.Account{}).Where("tenant_id = ?", tenant).Count(&n).Error)
	return n
}
