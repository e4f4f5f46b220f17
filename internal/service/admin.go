package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/util"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Admin 管理员变更入口. 对账户的变更与 Gateway 共用账户锁
type Admin struct {
	*base
	keys     *KeyRegistry
	bindings *DeviceBindingStore
	quotas   *QuotaEnforcer
	sessions *SessionStore
	audit    *AuditLog
}

type LocalUserRequest struct {
	Username   string
	Department string
}

// LocalUserGrant 访问码只在创建时返回一次
type LocalUserGrant struct {
	Account    *model.Account `json:"account"`
	Key        *model.License `json:"key"`
	AccessCode string         `json:"access_code"`
}

type IssueKeysRequest struct {
	Tier       string
	Count      int
	MaxDevices int
	Duration   time.Duration
}

type AccountFilter struct {
	Search   string
	Blocked  *bool
	Page     int
	PageSize int
}

type AccountDetail struct {
	Account        model.Account         `json:"account"`
	Devices        []model.DeviceBinding `json:"devices"`
	ActiveSessions int                   `json:"active_sessions"`
}

// OrphanReport 待处理的孤儿密钥. Detected 表示由计数差异发现, 尚未登记
type OrphanReport struct {
	ID        uint      `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyCode   string    `json:"key"`
	Username  string    `json:"username,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Detected  bool      `json:"detected"`
}

const (
	ResolveRelease = "release"
	ResolveRevoke  = "revoke"
)

func (a *Admin) track(op string, err error) error {
	a.metrics.AdminOp(op, resultLabel(err))
	return err
}

// Block 封禁账户并在同一事务内吊销其全部会话
func (a *Admin) Block(ctx context.Context, auth Authority, operatorID, accountID string) error {
	return a.track("block", a.setBlocked(ctx, auth, operatorID, accountID, true))
}

func (a *Admin) Unblock(ctx context.Context, auth Authority, operatorID, accountID string) error {
	return a.track("unblock", a.setBlocked(ctx, auth, operatorID, accountID, false))
}

func (a *Admin) setBlocked(ctx context.Context, auth Authority, operatorID, accountID string, blocked bool) error {
	if err := auth.CheckMutation(); err != nil {
		return err
	}
	unlock := a.store.Lock(accountLock(accountID))
	defer unlock()

	action := "unblock_account"
	if blocked {
		action = "block_account"
	}
	now := a.now()
	var revoked []string
	err := a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Account{}).
			Where("id = ? AND tenant_id = ?", accountID, auth.TenantID).
			Updates(map[string]interface{}{"blocked": blocked, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		if blocked {
			var err error
			if revoked, err = a.sessions.revokeAllTx(tx, accountID, now); err != nil {
				return err
			}
		}
		return a.audit.recordTx(tx, operatorID, auth.TenantID, action, "account", accountID,
			map[string]interface{}{"revoked_sessions": len(revoked)}, now)
	})
	if err != nil {
		return err
	}
	a.sessions.mirrorRevocations(ctx, revoked)
	a.log.Info().Str("tenant", auth.TenantID).Str("account", accountID).Bool("blocked", blocked).Msg(action)
	a.publish(ctx, "account."+strings.TrimSuffix(action, "_account")+"ed", map[string]string{
		"tenant_id":  auth.TenantID,
		"account_id": accountID,
	})
	return nil
}

// ResetDevice 清除账户的设备绑定并吊销会话, 账户保留
func (a *Admin) ResetDevice(ctx context.Context, auth Authority, operatorID, accountID string) error {
	return a.track("reset_device", a.resetDevice(ctx, auth, operatorID, accountID))
}

func (a *Admin) resetDevice(ctx context.Context, auth Authority, operatorID, accountID string) error {
	if err := auth.CheckMutation(); err != nil {
		return err
	}
	unlock := a.store.Lock(accountLock(accountID))
	defer unlock()

	now := a.now()
	var revoked []string
	err := a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findAccountTx(tx, auth.TenantID, accountID); err != nil {
			return err
		}
		removed, ids, err := a.bindings.unbindAllTx(tx, accountID, now)
		if err != nil {
			return err
		}
		revoked = ids
		return a.audit.recordTx(tx, operatorID, auth.TenantID, "reset_device", "account", accountID,
			map[string]interface{}{"devices": removed, "revoked_sessions": len(ids)}, now)
	})
	if err != nil {
		return err
	}
	a.sessions.mirrorRevocations(ctx, revoked)
	a.publish(ctx, "account.device_reset", map[string]string{"tenant_id": auth.TenantID, "account_id": accountID})
	return nil
}

// DeleteAccount 解绑设备, 吊销会话, 归还席位后删除账户. 账户不存在时返回 ErrAccountNotFound
func (a *Admin) DeleteAccount(ctx context.Context, auth Authority, operatorID, accountID string) error {
	return a.track("delete_account", a.deleteAccount(ctx, auth, operatorID, accountID))
}

func (a *Admin) deleteAccount(ctx context.Context, auth Authority, operatorID, accountID string) error {
	if err := auth.CheckMutation(); err != nil {
		return err
	}
	tenant := auth.TenantID
	// 账户的密钥不会变化, 先读出以便一并锁住
	found, err := findAccountTx(a.store.DB(ctx), tenant, accountID)
	if err != nil {
		return err
	}
	unlock := a.store.Lock(accountLock(accountID), quotaLock(tenant), keyLock(found.LicenseKey))
	defer unlock()

	now := a.now()
	var revoked []string
	var username string
	err = a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := findAccountTx(tx, tenant, accountID)
		if err != nil {
			return err
		}
		username = acc.Username
		if _, revoked, err = a.bindings.unbindAllTx(tx, accountID, now); err != nil {
			return err
		}
		if err := a.keys.retireTx(tx, acc.LicenseKey, operatorID, accountID, now); err != nil {
			return err
		}
		if err := a.quotas.releaseTx(tx, tenant, now); err != nil {
			if !errors.Is(err, ErrSeatNotHeld) {
				return err
			}
			a.log.Error().Err(err).Str("account", accountID).Msg("account held no seat")
		}
		if err := tx.Delete(&model.Account{}, "id = ?", accountID).Error; err != nil {
			return err
		}
		return a.audit.recordTx(tx, operatorID, tenant, "delete_account", "account", accountID,
			map[string]interface{}{"username": acc.Username, "license_key": acc.LicenseKey}, now)
	})
	if err != nil {
		return err
	}
	a.sessions.mirrorRevocations(ctx, revoked)
	a.quotas.observe(ctx, tenant)
	a.log.Info().Str("tenant", tenant).Str("account", accountID).Str("username", username).Msg("account deleted")
	a.publish(ctx, "account.deleted", map[string]string{"tenant_id": tenant, "account_id": accountID})
	return nil
}

// CreateLocalUser 管理员直接创建本地用户: 签发并消耗一个 LOCAL 密钥, 占用席位, 创建账户, 全部在一个事务内.
// 不绑定设备, 用户首次使用时通过 Reactivate 绑定
func (a *Admin) CreateLocalUser(ctx context.Context, auth Authority, operatorID string, req LocalUserRequest) (*LocalUserGrant, error) {
	grant, err := a.createLocalUser(ctx, auth, operatorID, req)
	return grant, a.track("create_local_user", err)
}

func (a *Admin) createLocalUser(ctx context.Context, auth Authority, operatorID string, req LocalUserRequest) (*LocalUserGrant, error) {
	if err := auth.CheckProvisioning(); err != nil {
		return nil, err
	}
	if auth.Mode != ModeLANHub {
		return nil, fmt.Errorf("%w: local users are provisioned on a LAN hub", ErrWrongAuthority)
	}
	username := strings.TrimSpace(req.Username)
	department := strings.TrimSpace(req.Department)
	if username == "" || len(username) > 50 || len(department) > 100 {
		return nil, fmt.Errorf("%w: username must be 1-50 characters", ErrInvalidInput)
	}

	accessCode, err := util.GenerateAccessCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(accessCode), a.cfg.Auth.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash access code: %w", err)
	}

	tenant := auth.TenantID
	unlock := a.store.Lock(userLock(tenant, username), quotaLock(tenant))
	defer unlock()

	now := a.now()
	grant := &LocalUserGrant{AccessCode: accessCode}
	err = a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Account{}).Where("tenant_id = ? AND username = ?", tenant, username).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrUsernameTaken
		}
		if err := a.quotas.reserveTx(tx, tenant, now); err != nil {
			return err
		}
		lic, err := a.keys.issueTx(tx, IssueRequest{
			TenantID:   tenant,
			Tier:       model.TierLocal,
			Origin:     model.OriginLocal,
			MaxDevices: 1,
			IssuedBy:   operatorID,
		}, now)
		if err != nil {
			return err
		}
		seed, err := a.keys.consumeTx(tx, tenant, lic.KeyCode, operatorID, now)
		if err != nil {
			return err
		}
		lic.Status = model.KeyActive
		lic.Activations = 1
		lic.LastActivatedAt = &now

		acc := &model.Account{
			ID:               uuid.NewString(),
			TenantID:         tenant,
			Username:         username,
			AccessCodeHash:   string(hash),
			Origin:           model.OriginLocal,
			Department:       department,
			LicenseKey:       seed.KeyCode,
			MaxDevices:       a.cfg.Auth.DevicesPerAccount,
			LicenseExpiresAt: seed.ExpiresAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Create(acc).Error; err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		grant.Account = acc
		grant.Key = lic
		return a.audit.recordTx(tx, operatorID, tenant, "create_local_user", "account", acc.ID,
			map[string]interface{}{"username": username, "department": department, "license_key": lic.KeyCode}, now)
	})
	if err != nil {
		return nil, err
	}
	a.quotas.observe(ctx, tenant)
	a.log.Info().Str("tenant", tenant).Str("account", grant.Account.ID).Msg("local user created")
	a.publish(ctx, "account.local_created", map[string]string{"tenant_id": tenant, "account_id": grant.Account.ID})
	return grant, nil
}

// IssueKeys 批量签发密钥, 来源取决于当前权威
func (a *Admin) IssueKeys(ctx context.Context, auth Authority, operatorID string, req IssueKeysRequest) ([]model.License, error) {
	keys, err := a.issueKeys(ctx, auth, operatorID, req)
	return keys, a.track("issue_keys", err)
}

func (a *Admin) issueKeys(ctx context.Context, auth Authority, operatorID string, req IssueKeysRequest) ([]model.License, error) {
	if err := auth.CheckMutation(); err != nil {
		return nil, err
	}
	if req.Tier == model.TierLocal {
		return nil, fmt.Errorf("%w: local keys are minted with local users", ErrInvalidInput)
	}
	keys, err := a.keys.IssueBatch(ctx, IssueRequest{
		TenantID:   auth.TenantID,
		Tier:       req.Tier,
		Origin:     auth.AccountOrigin(),
		MaxDevices: req.MaxDevices,
		Duration:   req.Duration,
		IssuedBy:   operatorID,
	}, req.Count)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(keys))
	for _, k := range keys {
		codes = append(codes, k.KeyCode)
	}
	if err := a.audit.Record(ctx, operatorID, auth.TenantID, "issue_keys", "license", req.Tier,
		map[string]interface{}{"count": len(keys), "keys": codes}); err != nil {
		a.log.Warn().Err(err).Msg("audit issue_keys failed")
	}
	return keys, nil
}

// RevokeKey 幂等吊销密钥, 并吊销持有该密钥的账户的会话
func (a *Admin) RevokeKey(ctx context.Context, auth Authority, operatorID, code string) (*model.License, error) {
	lic, err := a.revokeKey(ctx, auth, operatorID, code)
	return lic, a.track("revoke_key", err)
}

func (a *Admin) revokeKey(ctx context.Context, auth Authority, operatorID, code string) (*model.License, error) {
	if err := auth.CheckMutation(); err != nil {
		return nil, err
	}
	code = util.NormalizeLicenseKey(code)
	var holders []string
	if err := a.store.DB(ctx).Model(&model.Account{}).
		Where("license_key = ? AND tenant_id = ?", code, auth.TenantID).
		Pluck("id", &holders).Error; err != nil {
		return nil, err
	}
	names := []string{keyLock(code)}
	for _, id := range holders {
		names = append(names, accountLock(id))
	}
	unlock := a.store.Lock(names...)
	defer unlock()

	now := a.now()
	var lic *model.License
	var revoked []string
	err := a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if lic, err = a.keys.revokeTx(tx, auth.TenantID, code, operatorID, now); err != nil {
			return err
		}
		for _, id := range holders {
			ids, err := a.sessions.revokeAllTx(tx, id, now)
			if err != nil {
				return err
			}
			revoked = append(revoked, ids...)
		}
		return a.audit.recordTx(tx, operatorID, auth.TenantID, "revoke_key", "license", code,
			map[string]interface{}{"accounts": len(holders)}, now)
	})
	if err != nil {
		return nil, err
	}
	a.sessions.mirrorRevocations(ctx, revoked)
	a.publish(ctx, "license.revoked", map[string]string{"tenant_id": auth.TenantID, "key": code})
	return lic, nil
}

// DeleteKey 删除未被账户引用的密钥
func (a *Admin) DeleteKey(ctx context.Context, auth Authority, operatorID, code string) error {
	err := auth.CheckMutation()
	if err == nil {
		err = a.keys.Delete(ctx, auth.TenantID, code, operatorID)
	}
	if err == nil {
		if aerr := a.audit.Record(ctx, operatorID, auth.TenantID, "delete_key", "license", util.NormalizeLicenseKey(code), nil); aerr != nil {
			a.log.Warn().Err(aerr).Msg("audit delete_key failed")
		}
	}
	return a.track("delete_key", err)
}

// SetQuota 调整租户席位上限
func (a *Admin) SetQuota(ctx context.Context, auth Authority, operatorID string, allowed int) (model.Quota, error) {
	quota, err := a.setQuota(ctx, auth, operatorID, allowed)
	return quota, a.track("set_quota", err)
}

func (a *Admin) setQuota(ctx context.Context, auth Authority, operatorID string, allowed int) (model.Quota, error) {
	if err := auth.CheckMutation(); err != nil {
		return model.Quota{}, err
	}
	quota, err := a.quotas.SetAllowed(ctx, auth.TenantID, allowed)
	if err != nil {
		return quota, err
	}
	if err := a.audit.Record(ctx, operatorID, auth.TenantID, "set_quota", "quota", auth.TenantID,
		map[string]int{"allowed": allowed, "used": quota.Used}); err != nil {
		a.log.Warn().Err(err).Msg("audit set_quota failed")
	}
	return quota, nil
}

func (a *Admin) Quota(ctx context.Context, tenantID string) (model.Quota, error) {
	return a.quotas.Get(ctx, tenantID)
}

// ListAccounts 按用户名搜索账户
func (a *Admin) ListAccounts(ctx context.Context, tenantID string, f AccountFilter) ([]model.Account, int64, error) {
	var accounts []model.Account
	var total int64

	q := a.store.DB(ctx).Model(&model.Account{}).Where("tenant_id = ?", tenantID)
	if s := strings.TrimSpace(f.Search); s != "" {
		q = q.Where("username LIKE ?", "%"+s+"%")
	}
	if f.Blocked != nil {
		q = q.Where("blocked = ?", *f.Blocked)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := pagination(f.Page, f.PageSize)
	if err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&accounts).Error; err != nil {
		return nil, 0, err
	}
	return accounts, total, nil
}

func (a *Admin) Account(ctx context.Context, tenantID, accountID string) (*AccountDetail, error) {
	acc, err := findAccountTx(a.store.DB(ctx), tenantID, accountID)
	if err != nil {
		return nil, err
	}
	devices, err := a.bindings.Devices(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sessions, err := a.sessions.ActiveSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountDetail{Account: *acc, Devices: devices, ActiveSessions: len(sessions)}, nil
}

// ListOrphans 返回已登记的孤儿记录, 以及检测到但未登记的差异:
// 激活次数多于账户数的密钥 (不含已作废名额), 和已用席位多于账户数的租户
func (a *Admin) ListOrphans(ctx context.Context, tenantID string) ([]OrphanReport, error) {
	db := a.store.DB(ctx)
	var recorded []model.ActivationOrphan
	if err := db.Where("tenant_id = ? AND resolved_at IS NULL", tenantID).Order("id ASC").Find(&recorded).Error; err != nil {
		return nil, err
	}
	reports := make([]OrphanReport, 0, len(recorded))
	pending := make(map[string]int)
	for _, o := range recorded {
		pending[o.KeyCode]++
		reports = append(reports, OrphanReport{
			ID:        o.ID,
			TenantID:  o.TenantID,
			KeyCode:   o.KeyCode,
			Username:  o.Username,
			Reason:    o.Reason,
			CreatedAt: o.CreatedAt,
		})
	}

	drift, err := a.keyDrift(db, tenantID)
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		if d.missing-pending[d.lic.KeyCode] <= 0 {
			continue
		}
		reports = append(reports, OrphanReport{
			TenantID:  tenantID,
			KeyCode:   d.lic.KeyCode,
			Reason:    fmt.Sprintf("detected: %d activations, %d accounts", d.lic.Activations-d.lic.RetiredSlots, d.held),
			CreatedAt: a.now(),
			Detected:  true,
		})
	}

	used, accounts, err := a.quotas.seatDriftTx(db, tenantID)
	if err != nil {
		return nil, err
	}
	if used > accounts && pending[""] == 0 {
		reports = append(reports, OrphanReport{
			TenantID:  tenantID,
			Reason:    seatDriftReason(used, accounts),
			CreatedAt: a.now(),
			Detected:  true,
		})
	}
	return reports, nil
}

func seatDriftReason(used, accounts int) string {
	return fmt.Sprintf("detected: %d seats used, %d accounts", used, accounts)
}

type keyDrift struct {
	lic     model.License
	held    int
	missing int
}

// keyDrift 有效激活次数 (activations - retired_slots) 与持有账户数的差异, 例如激活中途进程崩溃.
// 已吊销的密钥不再计入
func (a *Admin) keyDrift(tx *gorm.DB, tenantID string) ([]keyDrift, error) {
	var keys []model.License
	if err := tx.Where("tenant_id = ? AND activations > retired_slots AND status <> ?", tenantID, model.KeyRevoked).
		Find(&keys).Error; err != nil {
		return nil, err
	}
	var counts []struct {
		LicenseKey string
		N          int
	}
	if err := tx.Model(&model.Account{}).Select("license_key, count(*) as n").
		Where("tenant_id = ?", tenantID).Group("license_key").Scan(&counts).Error; err != nil {
		return nil, err
	}
	held := make(map[string]int, len(counts))
	for _, c := range counts {
		held[c.LicenseKey] = c.N
	}
	var out []keyDrift
	for _, k := range keys {
		if missing := k.Activations - k.RetiredSlots - held[k.KeyCode]; missing > 0 {
			out = append(out, keyDrift{lic: k, held: held[k.KeyCode], missing: missing})
		}
	}
	return out, nil
}

// ScanOrphans 将检测到的未登记差异写入孤儿记录, 以便逐条处理. 席位差异登记为不带密钥的一条记录
func (a *Admin) ScanOrphans(ctx context.Context, auth Authority, operatorID string) (int, error) {
	if err := auth.CheckMutation(); err != nil {
		return 0, err
	}
	unlock := a.store.Lock(quotaLock(auth.TenantID))
	defer unlock()

	now := a.now()
	created := 0
	err := a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		drift, err := a.keyDrift(tx, auth.TenantID)
		if err != nil {
			return err
		}
		for _, d := range drift {
			var pending int64
			if err := tx.Model(&model.ActivationOrphan{}).
				Where("key_code = ? AND resolved_at IS NULL", d.lic.KeyCode).Count(&pending).Error; err != nil {
				return err
			}
			for i := int(pending); i < d.missing; i++ {
				if err := tx.Create(&model.ActivationOrphan{
					TenantID:  auth.TenantID,
					KeyCode:   d.lic.KeyCode,
					Reason:    "detected: activation without account",
					CreatedAt: now,
				}).Error; err != nil {
					return err
				}
				created++
			}
		}

		used, accounts, err := a.quotas.seatDriftTx(tx, auth.TenantID)
		if err != nil {
			return err
		}
		if used > accounts {
			var pending int64
			if err := tx.Model(&model.ActivationOrphan{}).
				Where("tenant_id = ? AND key_code = '' AND resolved_at IS NULL", auth.TenantID).Count(&pending).Error; err != nil {
				return err
			}
			if pending == 0 {
				if err := tx.Create(&model.ActivationOrphan{
					TenantID:  auth.TenantID,
					Reason:    seatDriftReason(used, accounts),
					CreatedAt: now,
				}).Error; err != nil {
					return err
				}
				created++
			}
		}
		if created == 0 {
			return nil
		}
		return a.audit.recordTx(tx, operatorID, auth.TenantID, "scan_orphans", "orphan", "", map[string]int{"created": created}, now)
	})
	return created, a.track("scan_orphans", err)
}

// ResolveOrphan 管理员显式决定: release 归还密钥名额, revoke 吊销密钥.
// 两种处理都会把泄漏的席位归还给租户
func (a *Admin) ResolveOrphan(ctx context.Context, auth Authority, operatorID string, orphanID uint, resolution string) error {
	return a.track("resolve_orphan", a.resolveOrphan(ctx, auth, operatorID, orphanID, resolution))
}

func (a *Admin) resolveOrphan(ctx context.Context, auth Authority, operatorID string, orphanID uint, resolution string) error {
	if err := auth.CheckMutation(); err != nil {
		return err
	}
	if resolution != ResolveRelease && resolution != ResolveRevoke {
		return fmt.Errorf("%w: resolution must be release or revoke", ErrInvalidInput)
	}
	var orphan model.ActivationOrphan
	if err := a.store.DB(ctx).Where("id = ? AND tenant_id = ?", orphanID, auth.TenantID).First(&orphan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrphanNotFound
		}
		return err
	}
	unlock := a.store.Lock(keyLock(orphan.KeyCode), quotaLock(auth.TenantID))
	defer unlock()

	now := a.now()
	reclaimed := 0
	err := a.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ActivationOrphan{}).
			Where("id = ? AND resolved_at IS NULL", orphanID).
			Updates(map[string]interface{}{"resolved_at": now, "resolution": resolution})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOrphanResolved
		}
		if orphan.KeyCode != "" {
			switch resolution {
			case ResolveRelease:
				if err := a.keys.releaseTx(tx, orphan.KeyCode, operatorID, now); err != nil {
					return err
				}
			case ResolveRevoke:
				if _, err := a.keys.revokeTx(tx, auth.TenantID, orphan.KeyCode, operatorID, now); err != nil {
					return err
				}
			}
		}
		var err error
		if reclaimed, err = a.quotas.reconcileTx(tx, auth.TenantID, now); err != nil {
			return err
		}
		// 席位已对齐, 同租户未处理的席位差异记录一并关闭
		if err := tx.Model(&model.ActivationOrphan{}).
			Where("tenant_id = ? AND key_code = '' AND resolved_at IS NULL", auth.TenantID).
			Updates(map[string]interface{}{"resolved_at": now, "resolution": "reconciled"}).Error; err != nil {
			return err
		}
		return a.audit.recordTx(tx, operatorID, auth.TenantID, "resolve_orphan", "orphan", fmt.Sprint(orphanID),
			map[string]interface{}{"key": orphan.KeyCode, "resolution": resolution, "seats_reclaimed": reclaimed}, now)
	})
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		a.log.Warn().Str("tenant", auth.TenantID).Int("seats", reclaimed).Msg("leaked seats reclaimed")
		a.quotas.observe(ctx, auth.TenantID)
	}
	return nil
}

func findAccountTx(tx *gorm.DB, tenantID, accountID string) (*model.Account, error) {
	var acc model.Account
	if err := tx.Where("id = ? AND tenant_id = ?", accountID, tenantID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}
