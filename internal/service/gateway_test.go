package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"secure-msg-backend/internal/database"
	"secure-msg-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestActivateAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()

	key := f.issueKey(t, auth, model.TierTwelveMonth, 1)
	acc := f.activate(t, auth, key, "alice", "12345", "dev-A")
	assert.Equal(t, model.OriginCloud, acc.Origin)
	assert.Equal(t, key, acc.LicenseKey)
	require.NotNil(t, acc.LicenseExpiresAt)
	assert.Equal(t, 1, f.quota(t, testTenant).Used)
	assert.True(t, f.events.has("account.activated"))

	lic, err := f.svc.Keys.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.KeyActive, lic.Status)

	res, err := f.login(auth, "alice", "12345", "dev-A")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, ModeCloud, res.Mode)
	assert.False(t, res.Lifetime)
	require.NotNil(t, res.ExpiresAt)
	assert.WithinDuration(t, f.clock.Now().Add(24*time.Hour), *res.ExpiresAt, time.Second)
	require.NotNil(t, res.Account.LastLogin)

	id, err := f.svc.Gateway.Validate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, id.SubjectID)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, model.OriginCloud, id.Origin)
	assert.Equal(t, "dev-A", id.DeviceID)
	assert.False(t, id.IsOperator())
}

// K1: 单设备密钥只能激活一次
func TestSingleUseKeyScenario(t *testing.T) {
	f := newFixture(t)
	auth := f.cloud()

	k1 := f.issueKey(t, auth, model.TierOneMonth, 1)
	f.activate(t, auth, k1, "alice", "12345", "dev-A")

	_, err := f.svc.Gateway.Activate(context.Background(), auth, ActivateRequest{
		LicenseKey: k1, Username: "bob", AccessCode: "99999", DeviceID: "dev-B",
	})
	assert.ErrorIs(t, err, ErrKeyAlreadyConsumed)
	assert.ErrorIs(t, err, ErrKeyInvalid)
	assert.Equal(t, ErrKeyInvalid, Public(err))
	assert.EqualValues(t, 1, f.countAccounts(t, testTenant))
	assert.Equal(t, 1, f.quota(t, testTenant).Used)
}

func TestConcurrentActivateOneWinner(t *testing.T) {
	f := newFixture(t)
	auth := f.cloud()
	key := f.issueKey(t, auth, model.TierOneMonth, 1)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Gateway.Activate(context.Background(), auth, ActivateRequest{
				LicenseKey: key,
				Username:   fmt.Sprintf("user-%d", i),
				AccessCode: "12345",
				DeviceID:   fmt.Sprintf("dev-%d", i),
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrKeyAlreadyConsumed)
	}
	assert.Equal(t, 1, wins)
	assert.EqualValues(t, 1, f.countAccounts(t, testTenant))
	assert.Equal(t, 1, f.quota(t, testTenant).Used)
}

func TestConcurrentActivateRespectsQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	_, err := f.svc.Admin.SetQuota(ctx, auth, testOperator, 3)
	require.NoError(t, err)

	keys, err := f.svc.Admin.IssueKeys(ctx, auth, testOperator, IssueKeysRequest{Tier: model.TierUnlimited, Count: 6})
	require.NoError(t, err)

	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Gateway.Activate(ctx, auth, ActivateRequest{
				LicenseKey: keys[i].KeyCode,
				Username:   fmt.Sprintf("user-%d", i),
				AccessCode: "12345",
				DeviceID:   fmt.Sprintf("dev-%d", i),
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	}
	assert.Equal(t, 3, ok)
	q := f.quota(t, testTenant)
	assert.Equal(t, 3, q.Used)
	assert.LessOrEqual(t, q.Used, q.Allowed)
	assert.EqualValues(t, 3, f.countAccounts(t, testTenant))

	// 失败的激活留下待处理的孤儿记录
	orphans, err := f.svc.Admin.ListOrphans(ctx, testTenant)
	require.NoError(t, err)
	assert.Len(t, orphans, 3)
	for _, o := range orphans {
		assert.False(t, o.Detected)
		assert.Equal(t, "seat: QUOTA_EXCEEDED", o.Reason)
	}
}

func TestActivateDeleteInterleavingKeepsSeatsConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	_, err := f.svc.Admin.SetQuota(ctx, auth, testOperator, 2)
	require.NoError(t, err)

	first := f.issueKey(t, auth, model.TierUnlimited, 1)
	seed := f.activate(t, auth, first, "seed", "12345", "dev-seed")

	keys, err := f.svc.Admin.IssueKeys(ctx, auth, testOperator, IssueKeysRequest{Tier: model.TierUnlimited, Count: 4})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.svc.Admin.DeleteAccount(ctx, auth, testOperator, seed.ID))
	}()
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.svc.Gateway.Activate(ctx, auth, ActivateRequest{
				LicenseKey: keys[i].KeyCode,
				Username:   fmt.Sprintf("user-%d", i),
				AccessCode: "12345",
				DeviceID:   fmt.Sprintf("dev-%d", i),
			})
		}(i)
	}
	wg.Wait()

	q := f.quota(t, testTenant)
	assert.LessOrEqual(t, q.Used, q.Allowed)
	assert.EqualValues(t, q.Used, f.countAccounts(t, testTenant))
}

func TestActivateCompensatesOnDeviceConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()

	f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")
	second := f.issueKey(t, auth, model.TierOneMonth, 1)

	_, err := f.svc.Gateway.Activate(ctx, auth, ActivateRequest{
		LicenseKey: second, Username: "bob", AccessCode: "99999", DeviceID: "dev-A",
	})
	assert.ErrorIs(t, err, ErrDeviceConflict)

	// 席位已归还, 密钥保持已消耗并登记为孤儿
	assert.Equal(t, 1, f.quota(t, testTenant).Used)
	assert.EqualValues(t, 1, f.countAccounts(t, testTenant))
	var bound int64
	require.NoError(t, f.svc.Store.DB(ctx).Model(&model.DeviceBinding{}).Count(&bound).Error)
	assert.EqualValues(t, 1, bound)
	lic, err := f.svc.Keys.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, lic.Activations)
	assert.True(t, f.events.has("activation.orphaned"))

	orphans, err := f.svc.Admin.ListOrphans(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, second, orphans[0].KeyCode)
	assert.Equal(t, "bob", orphans[0].Username)
	assert.Equal(t, "device: DEVICE_CONFLICT", orphans[0].Reason)

	require.NoError(t, f.svc.Admin.ResolveOrphan(ctx, auth, testOperator, orphans[0].ID, ResolveRelease))
	lic, err = f.svc.Keys.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.KeyUnused, lic.Status)
	assert.Zero(t, lic.Activations)

	f.activate(t, auth, second, "bob", "99999", "dev-B")
	assert.Equal(t, 2, f.quota(t, testTenant).Used)
}

func TestActivateUsernameTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()

	f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")
	_, err := f.svc.Gateway.Activate(ctx, auth, ActivateRequest{
		LicenseKey: f.issueKey(t, auth, model.TierOneMonth, 1), Username: "alice", AccessCode: "12345", DeviceID: "dev-B",
	})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, 1, f.quota(t, testTenant).Used)
	assert.EqualValues(t, f.quota(t, testTenant).Used, f.countAccounts(t, testTenant))

	orphans, err := f.svc.Admin.ListOrphans(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "username: USERNAME_TAKEN", orphans[0].Reason)
}

func TestActivateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	key := f.issueKey(t, auth, model.TierOneMonth, 1)

	cases := []ActivateRequest{
		{LicenseKey: "not-a-key", Username: "alice", AccessCode: "12345", DeviceID: "dev-A"},
		{LicenseKey: key, Username: "", AccessCode: "12345", DeviceID: "dev-A"},
		{LicenseKey: key, Username: "alice", AccessCode: "123", DeviceID: "dev-A"},
		{LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "  "},
	}
	for _, req := range cases {
		_, err := f.svc.Gateway.Activate(ctx, auth, req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	lic, err := f.svc.Keys.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.KeyUnused, lic.Status)

	_, err = f.svc.Gateway.Activate(ctx, auth, ActivateRequest{
		LicenseKey: "AAAAA-BBBBB-CCCCC", Username: "alice", AccessCode: "12345", DeviceID: "dev-A",
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, ErrKeyInvalid, Public(err))
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")

	_, err := f.login(auth, "alice", "wrong", "dev-A")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.login(auth, "nobody", "12345", "dev-A")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, ErrInvalidCredentials, Public(err))

	_, err = f.login(auth, "alice", "12345", "dev-B")
	assert.ErrorIs(t, err, ErrDeviceNotBound)
	_, err = f.login(auth, "alice", "12345", "")
	assert.ErrorIs(t, err, ErrDeviceNotBound)

	logs, total, err := f.svc.Audit.LoginLogs(ctx, LogFilter{TenantID: testTenant})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	for _, l := range logs {
		assert.Equal(t, "failed", l.Status)
		assert.NotEmpty(t, l.Reason)
	}
}

func TestLoginWithoutDevicePinning(t *testing.T) {
	f := newFixture(t)
	pinning := false
	f.cfg.Auth.EnforceDevicePinning = &pinning
	auth := f.cloud()
	f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")

	_, err := f.login(auth, "alice", "12345", "another-device")
	assert.NoError(t, err)
}

func TestResetDeviceThenReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	key := f.issueKey(t, auth, model.TierOneMonth, 1)
	acc := f.activate(t, auth, key, "alice", "12345", "dev-A")

	res, err := f.login(auth, "alice", "12345", "dev-A")
	require.NoError(t, err)

	require.NoError(t, f.svc.Admin.ResetDevice(ctx, auth, testOperator, acc.ID))

	_, err = f.svc.Gateway.Validate(ctx, res.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = f.login(auth, "alice", "12345", "dev-A")
	assert.ErrorIs(t, err, ErrDeviceNotBound)

	other := f.issueKey(t, auth, model.TierOneMonth, 1)
	_, err = f.svc.Gateway.Reactivate(ctx, auth, ActivateRequest{
		LicenseKey: other, Username: "alice", AccessCode: "12345", DeviceID: "dev-B",
	})
	assert.ErrorIs(t, err, ErrKeyInvalid)
	_, err = f.svc.Gateway.Reactivate(ctx, auth, ActivateRequest{
		LicenseKey: key, Username: "alice", AccessCode: "wrong", DeviceID: "dev-B",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Gateway.Reactivate(ctx, auth, ActivateRequest{
		LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-B",
	})
	require.NoError(t, err)
	_, err = f.login(auth, "alice", "12345", "dev-B")
	require.NoError(t, err)

	// 重新绑定不消耗密钥名额, 也不占用席位
	lic, err := f.svc.Keys.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, lic.Activations)
	assert.Equal(t, 1, f.quota(t, testTenant).Used)

	_, err = f.svc.Gateway.Reactivate(ctx, auth, ActivateRequest{
		LicenseKey: key, Username: "alice", AccessCode: "12345", DeviceID: "dev-C",
	})
	assert.ErrorIs(t, err, ErrDeviceLimitExceeded)
}

func TestBlockInvalidatesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	acc := f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")

	res, err := f.login(auth, "alice", "12345", "dev-A")
	require.NoError(t, err)

	require.NoError(t, f.svc.Admin.Block(ctx, auth, testOperator, acc.ID))
	_, err = f.svc.Gateway.Validate(ctx, res.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	revoked, err := f.revocations.IsRevoked(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.login(auth, "alice", "12345", "dev-A")
	assert.ErrorIs(t, err, ErrAccountBlocked)
	assert.True(t, f.events.has("account.blocked"))

	require.NoError(t, f.svc.Admin.Unblock(ctx, auth, testOperator, acc.ID))
	_, err = f.login(auth, "alice", "12345", "dev-A")
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.Admin.Block(ctx, auth, testOperator, "missing"), ErrAccountNotFound)
}

func TestEnterpriseAccountOnCloudIsWrongAuthority(t *testing.T) {
	f := newFixture(t)
	lan := f.lan(t, 10)
	f.activate(t, lan, f.issueKey(t, lan, model.TierUnlimited, 1), "carol", "12345", "dev-C")

	cloud := CloudAuthority(testHub)
	_, err := f.login(cloud, "carol", "12345", "dev-C")
	assert.ErrorIs(t, err, ErrWrongAuthority)
	_, err = f.login(cloud, "carol", "bad-code", "dev-C")
	assert.ErrorIs(t, err, ErrWrongAuthority)

	res, err := f.login(lan, "carol", "12345", "dev-C")
	require.NoError(t, err)
	assert.Equal(t, ModeLANHub, res.Mode)
	assert.Equal(t, model.OriginEnterprise, res.Account.Origin)
}

func TestCloudAccountOnHubIsWrongAuthority(t *testing.T) {
	f := newFixture(t)
	auth := f.cloud()
	f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")

	hub := Authority{Mode: ModeLANHub, TenantID: testTenant}
	_, err := f.login(hub, "alice", "12345", "dev-A")
	assert.ErrorIs(t, err, ErrWrongAuthority)
}

func TestOfflineAllowsLoginOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lan := f.lan(t, 10)
	key := f.issueKey(t, lan, model.TierUnlimited, 1)
	f.activate(t, lan, key, "carol", "12345", "dev-C")

	f.prober.fail(errors.New("connection refused"))
	f.clock.Advance(time.Minute)
	offline, err := f.svc.Authority.Resolve(ctx, testHub, "lan")
	require.NoError(t, err)
	require.Equal(t, ModeOffline, offline.Mode)

	res, err := f.login(offline, "carol", "12345", "dev-C")
	require.NoError(t, err)
	assert.Equal(t, ModeOffline, res.Mode)
	assert.WithinDuration(t, f.clock.Now().Add(time.Hour), *res.ExpiresAt, time.Second)

	_, err = f.svc.Gateway.Activate(ctx, offline, ActivateRequest{
		LicenseKey: key, Username: "dave", AccessCode: "12345", DeviceID: "dev-D",
	})
	assert.ErrorIs(t, err, ErrAuthorityOffline)
	_, err = f.svc.Gateway.Reactivate(ctx, offline, ActivateRequest{
		LicenseKey: key, Username: "carol", AccessCode: "12345", DeviceID: "dev-D",
	})
	assert.ErrorIs(t, err, ErrAuthorityOffline)
}

func TestLicenseExpiryAndRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()

	keys, err := f.svc.Admin.IssueKeys(ctx, auth, testOperator, IssueKeysRequest{Tier: model.TierOneMonth, Count: 1, Duration: 2 * time.Hour})
	require.NoError(t, err)
	f.activate(t, auth, keys[0].KeyCode, "short", "12345", "dev-S")

	// 会话不晚于许可证到期
	res, err := f.login(auth, "short", "12345", "dev-S")
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Now().Add(2*time.Hour), *res.ExpiresAt, time.Second)

	revokable := f.issueKey(t, auth, model.TierUnlimited, 1)
	f.activate(t, auth, revokable, "alice", "12345", "dev-A")
	aliceSession, err := f.login(auth, "alice", "12345", "dev-A")
	require.NoError(t, err)
	assert.False(t, aliceSession.Lifetime)

	_, err = f.svc.Admin.RevokeKey(ctx, auth, testOperator, revokable)
	require.NoError(t, err)
	_, err = f.svc.Gateway.Validate(ctx, aliceSession.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = f.login(auth, "alice", "12345", "dev-A")
	assert.ErrorIs(t, err, ErrLicenseRevoked)

	f.clock.Advance(3 * time.Hour)
	_, err = f.login(auth, "short", "12345", "dev-S")
	assert.ErrorIs(t, err, ErrLicenseExpired)
	_, err = f.svc.Gateway.Validate(ctx, res.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.cloud()
	f.activate(t, auth, f.issueKey(t, auth, model.TierOneMonth, 1), "alice", "12345", "dev-A")

	res, err := f.login(auth, "alice", "12345", "dev-A")
	require.NoError(t, err)
	require.NoError(t, f.svc.Gateway.Logout(ctx, res.Token))
	_, err = f.svc.Gateway.Validate(ctx, res.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	require.NoError(t, f.svc.Gateway.Logout(ctx, res.Token))

	assert.ErrorIs(t, f.svc.Gateway.Logout(ctx, "garbage"), ErrSessionInvalid)
}

func TestOperatorLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, database.SeedAdmin(f.db, "admin", "admin-pass", bcrypt.MinCost))

	issued, op, err := f.svc.Gateway.OperatorLogin(ctx, "admin", "admin-pass")
	require.NoError(t, err)
	assert.True(t, issued.Lifetime)
	assert.Nil(t, issued.ExpiresAt)
	assert.Equal(t, "admin", op.Username)

	// 永久会话不受时间推移影响
	f.clock.Advance(400 * 24 * time.Hour)
	id, err := f.svc.Gateway.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, id.IsOperator())
	assert.Equal(t, "admin", id.Role)

	_, _, err = f.svc.Gateway.OperatorLogin(ctx, "admin", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = f.svc.Gateway.OperatorLogin(ctx, "ghost", "admin-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
