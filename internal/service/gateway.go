package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/util"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Gateway 激活与登录的编排入口, 签发并校验会话令牌
type Gateway struct {
	*base
	keys     *KeyRegistry
	bindings *DeviceBindingStore
	quotas   *QuotaEnforcer
	sessions *SessionStore

	dummyOnce sync.Once
	dummyHash []byte
}

type ActivateRequest struct {
	LicenseKey string
	Username   string
	AccessCode string
	DeviceID   string
}

type LoginRequest struct {
	Username   string
	AccessCode string
	DeviceID   string
	IP         string
	UserAgent  string
}

type LoginResult struct {
	*IssuedSession
	Account *model.Account `json:"account"`
}

// Activate 消耗密钥, 检查用户名, 占用席位, 绑定设备, 创建账户.
// 消耗密钥之后的任何失败都会逆序补偿, 密钥保持已消耗并登记为待处理的孤儿记录
func (g *Gateway) Activate(ctx context.Context, auth Authority, req ActivateRequest) (*model.Account, error) {
	account, err := g.activate(ctx, auth, req)
	g.metrics.Activation(string(auth.Mode), resultLabel(err))
	return account, err
}

func (g *Gateway) activate(ctx context.Context, auth Authority, req ActivateRequest) (*model.Account, error) {
	if err := auth.CheckProvisioning(); err != nil {
		return nil, err
	}
	username, deviceID, err := cleanCredentials(req.Username, req.AccessCode, req.DeviceID)
	if err != nil {
		return nil, err
	}
	code := util.NormalizeLicenseKey(req.LicenseKey)
	if !util.ValidLicenseKey(code) {
		return nil, fmt.Errorf("%w: malformed license key", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.AccessCode), g.cfg.Auth.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash access code: %w", err)
	}

	tenant := auth.TenantID
	unlock := g.store.Lock(keyLock(code), userLock(tenant, username), quotaLock(tenant), deviceLock(tenant, deviceID))
	defer unlock()

	// (a) 密钥消耗单独提交且不自动撤销, 补偿动作是把密钥登记为孤儿交给管理员处理
	seed, err := g.keys.consume(ctx, tenant, code, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, err)
	}
	step := ""
	var sg saga
	sg.done("key", func() error {
		return g.recordOrphan(context.WithoutCancel(ctx), tenant, code, username, step, err)
	})

	// (b)-(e) 用户名检查, 席位, 设备绑定与账户创建在同一事务内提交, 读者看不到只占了席位的中间状态
	now := g.now()
	account := &model.Account{
		ID:               uuid.NewString(),
		TenantID:         tenant,
		Username:         username,
		AccessCodeHash:   string(hash),
		Origin:           auth.AccountOrigin(),
		LicenseKey:       seed.KeyCode,
		MaxDevices:       g.cfg.Auth.DevicesPerAccount,
		LicenseExpiresAt: seed.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = g.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		step = "username"
		var n int64
		if err := tx.Model(&model.Account{}).
			Where("tenant_id = ? AND username = ?", tenant, username).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrUsernameTaken
		}
		step = "seat"
		if err := g.quotas.reserveTx(tx, tenant, now); err != nil {
			return err
		}
		step = "device"
		if err := g.bindings.bindTx(tx, tenant, account.ID, deviceID, account.MaxDevices, now); err != nil {
			return err
		}
		step = "account"
		if err := tx.Create(account).Error; err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		return nil
	})
	if err != nil {
		if undoErr := sg.rollback(); undoErr != nil {
			g.log.Error().Err(undoErr).Str("tenant", tenant).Str("key", code).Msg("activation compensation failed")
		}
		return nil, err
	}

	g.quotas.observe(ctx, tenant)
	g.log.Info().Str("tenant", tenant).Str("account", account.ID).Str("mode", string(auth.Mode)).Msg("account activated")
	g.publish(ctx, "account.activated", map[string]string{
		"tenant_id":  tenant,
		"account_id": account.ID,
		"username":   account.Username,
		"origin":     string(account.Origin),
	})
	return account, nil
}

// recordOrphan 登记已消耗但未完成激活的密钥, 由管理员决定归还或吊销
func (g *Gateway) recordOrphan(ctx context.Context, tenant, code, username, step string, cause error) error {
	reason := fmt.Sprintf("%s: %s", step, Code(cause))
	now := g.now()
	err := g.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.ActivationOrphan{
			TenantID:  tenant,
			KeyCode:   code,
			Username:  username,
			Reason:    reason,
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}
		return recordKeyEvent(tx, code, "orphan", username, reason, now)
	})
	if err != nil {
		return err
	}
	g.log.Warn().Str("tenant", tenant).Str("key", code).Str("step", step).Err(cause).Msg("activation rolled back, key left consumed")
	g.publish(ctx, "activation.orphaned", map[string]string{"tenant_id": tenant, "key": code, "reason": reason})
	return nil
}

// Reactivate 为已有账户绑定新设备, 用于重置设备之后或管理员创建的本地用户首次绑定. 不消耗密钥名额
func (g *Gateway) Reactivate(ctx context.Context, auth Authority, req ActivateRequest) (*model.Account, error) {
	account, err := g.reactivate(ctx, auth, req)
	g.metrics.Activation(string(auth.Mode), "reactivate_"+resultLabel(err))
	return account, err
}

func (g *Gateway) reactivate(ctx context.Context, auth Authority, req ActivateRequest) (*model.Account, error) {
	if err := auth.CheckMutation(); err != nil {
		return nil, err
	}
	username, deviceID, err := cleanCredentials(req.Username, req.AccessCode, req.DeviceID)
	if err != nil {
		return nil, err
	}
	code := util.NormalizeLicenseKey(req.LicenseKey)
	if !util.ValidLicenseKey(code) {
		return nil, fmt.Errorf("%w: malformed license key", ErrInvalidInput)
	}

	tenant := auth.TenantID
	found, err := g.findAccount(ctx, tenant, username)
	if err != nil {
		return nil, err
	}
	if found == nil {
		g.burnCompare(req.AccessCode)
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrAccountNotFound)
	}

	unlock := g.store.Lock(accountLock(found.ID), userLock(tenant, username), deviceLock(tenant, deviceID), keyLock(code))
	defer unlock()

	acc, err := g.reload(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if err := g.checkAccount(ctx, auth, acc, req.AccessCode); err != nil {
		return nil, err
	}
	if acc.LicenseKey != code {
		return nil, fmt.Errorf("%w: key does not belong to account", ErrKeyInvalid)
	}

	err = g.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return g.bindings.bindTx(tx, tenant, acc.ID, deviceID, acc.MaxDevices, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("tenant", tenant).Str("account", acc.ID).Msg("device reactivated")
	g.publish(ctx, "account.reactivated", map[string]string{"tenant_id": tenant, "account_id": acc.ID})
	return acc, nil
}

// Login 校验凭据并签发会话. OFFLINE 模式下使用较短的会话有效期
func (g *Gateway) Login(ctx context.Context, auth Authority, req LoginRequest) (*LoginResult, error) {
	result, acc, err := g.login(ctx, auth, req)
	g.metrics.Login(string(auth.Mode), resultLabel(err))
	if err != nil {
		g.logLogin(ctx, auth, acc, req, err)
	}
	return result, err
}

func (g *Gateway) login(ctx context.Context, auth Authority, req LoginRequest) (*LoginResult, *model.Account, error) {
	username := strings.TrimSpace(req.Username)
	deviceID := strings.TrimSpace(req.DeviceID)
	if username == "" || req.AccessCode == "" {
		return nil, nil, ErrInvalidCredentials
	}
	pinning := g.cfg.Auth.DevicePinning()
	if pinning && deviceID == "" {
		return nil, nil, ErrDeviceNotBound
	}

	tenant := auth.TenantID
	found, err := g.findAccount(ctx, tenant, username)
	if err != nil {
		return nil, nil, err
	}
	if found == nil {
		g.burnCompare(req.AccessCode)
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrAccountNotFound)
	}

	// 与管理员对同一账户的操作共用账户锁
	unlock := g.store.Lock(accountLock(found.ID))
	defer unlock()

	acc, err := g.reload(ctx, found.ID)
	if err != nil {
		return nil, found, err
	}
	if err := g.checkAccount(ctx, auth, acc, req.AccessCode); err != nil {
		return nil, acc, err
	}

	now := g.now()
	ttl := g.cfg.Auth.SessionTTL
	if auth.Mode == ModeOffline {
		ttl = g.cfg.Auth.OfflineSessionTTL
	}

	var issued *IssuedSession
	err = g.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if pinning {
			bound, err := g.bindings.isBoundTx(tx, tenant, acc.ID, deviceID)
			if err != nil {
				return err
			}
			if !bound {
				return ErrDeviceNotBound
			}
		}
		var err error
		issued, err = g.sessions.issueTx(tx, SessionSpec{
			SubjectID:   acc.ID,
			SubjectKind: model.SubjectAccount,
			TenantID:    tenant,
			Mode:        auth.Mode,
			DeviceID:    deviceID,
			TTL:         ttl,
			NotAfter:    acc.LicenseExpiresAt,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.Account{}).Where("id = ?", acc.ID).Update("last_login", now).Error; err != nil {
			return err
		}
		if err := tx.Create(&model.LoginLog{
			AccountID: acc.ID,
			TenantID:  tenant,
			Username:  acc.Username,
			DeviceID:  deviceID,
			Mode:      string(auth.Mode),
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Status:    "success",
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}
		return activityTx(tx, tenant, acc.ID, "login", "", req.IP, now)
	})
	if err != nil {
		return nil, acc, err
	}
	acc.LastLogin = &now
	return &LoginResult{IssuedSession: issued, Account: acc}, acc, nil
}

// checkAccount 权威来源检查先于凭据校验
func (g *Gateway) checkAccount(ctx context.Context, auth Authority, acc *model.Account, accessCode string) error {
	if !auth.Permits(acc.Origin) {
		return ErrWrongAuthority
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.AccessCodeHash), []byte(accessCode)) != nil {
		return ErrInvalidCredentials
	}
	if acc.Blocked {
		return ErrAccountBlocked
	}
	return g.checkLicense(ctx, acc)
}

func (g *Gateway) checkLicense(ctx context.Context, acc *model.Account) error {
	var lic model.License
	err := g.store.DB(ctx).Where("key_code = ?", acc.LicenseKey).First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrLicenseRevoked
	}
	if err != nil {
		return err
	}
	if lic.Status == model.KeyRevoked {
		return ErrLicenseRevoked
	}
	if acc.LicenseExpiresAt != nil && !g.now().Before(*acc.LicenseExpiresAt) {
		return ErrLicenseExpired
	}
	return nil
}

func (g *Gateway) findAccount(ctx context.Context, tenant, username string) (*model.Account, error) {
	var acc model.Account
	err := g.store.DB(ctx).Where("tenant_id = ? AND username = ?", tenant, username).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// reload 持锁后重新读取, 账户在加锁前被删除时按凭据错误处理
func (g *Gateway) reload(ctx context.Context, id string) (*model.Account, error) {
	var acc model.Account
	err := g.store.DB(ctx).Where("id = ?", id).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// burnCompare 用户不存在时仍执行一次 bcrypt 比较, 使响应时间一致
func (g *Gateway) burnCompare(accessCode string) {
	g.dummyOnce.Do(func() {
		g.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-access-code"), g.cfg.Auth.BcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(g.dummyHash, []byte(accessCode))
}

func (g *Gateway) logLogin(ctx context.Context, auth Authority, acc *model.Account, req LoginRequest, cause error) {
	entry := &model.LoginLog{
		TenantID:  auth.TenantID,
		Username:  strings.TrimSpace(req.Username),
		DeviceID:  req.DeviceID,
		Mode:      string(auth.Mode),
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Status:    "failed",
		Reason:    Code(cause),
		CreatedAt: g.now(),
	}
	if acc != nil {
		entry.AccountID = acc.ID
	}
	if err := g.store.DB(context.WithoutCancel(ctx)).Create(entry).Error; err != nil {
		g.log.Warn().Err(err).Msg("write login log failed")
	}
}

// Logout 吊销令牌对应的会话, 已过期的令牌视为已注销
func (g *Gateway) Logout(ctx context.Context, token string) error {
	claims, err := g.sessions.signer.ValidateToken(token, g.now())
	if errors.Is(err, util.ErrExpiredToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if err := g.sessions.Revoke(ctx, claims.ID); err != nil {
		return err
	}
	if claims.Kind == model.SubjectAccount {
		if err := activityTx(g.store.DB(context.WithoutCancel(ctx)), claims.Tenant, claims.Subject, "logout", "", "", g.now()); err != nil {
			g.log.Warn().Err(err).Msg("write activity log failed")
		}
	}
	return nil
}

func (g *Gateway) Validate(ctx context.Context, token string) (*Identity, error) {
	return g.sessions.Validate(ctx, token)
}

// OperatorLogin 管理后台登录, 签发永久会话
func (g *Gateway) OperatorLogin(ctx context.Context, username, password string) (*IssuedSession, *model.Operator, error) {
	username = strings.TrimSpace(username)
	var op model.Operator
	err := g.store.DB(ctx).Where("username = ?", username).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		g.burnCompare(password)
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(op.Password), []byte(password)) != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if op.Status != "active" {
		return nil, nil, ErrAccountBlocked
	}

	now := g.now()
	var issued *IssuedSession
	err = g.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		issued, err = g.sessions.issueTx(tx, SessionSpec{
			SubjectID:   op.ID,
			SubjectKind: model.SubjectOperator,
			Mode:        ModeCloud,
		}, now)
		if err != nil {
			return err
		}
		return tx.Model(&model.Operator{}).Where("id = ?", op.ID).Update("last_login", now).Error
	})
	if err != nil {
		return nil, nil, err
	}
	op.LastLogin = &now
	g.log.Info().Str("operator", op.Username).Msg("operator logged in")
	return issued, &op, nil
}

func cleanCredentials(username, accessCode, deviceID string) (string, string, error) {
	username = strings.TrimSpace(username)
	deviceID = strings.TrimSpace(deviceID)
	switch {
	case username == "" || len(username) > 50:
		return "", "", fmt.Errorf("%w: username must be 1-50 characters", ErrInvalidInput)
	case len(accessCode) < 4 || len(accessCode) > 72:
		return "", "", fmt.Errorf("%w: access code must be 4-72 characters", ErrInvalidInput)
	case deviceID == "" || len(deviceID) > 128:
		return "", "", fmt.Errorf("%w: device id must be 1-128 characters", ErrInvalidInput)
	}
	return username, deviceID, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(Code(err))
}
