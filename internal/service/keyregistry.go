package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/util"

	"gorm.io/gorm"
)

// MaxIssueCount 单次批量签发上限
const MaxIssueCount = 100

// KeyRegistry 管理许可证密钥及其消耗状态
type KeyRegistry struct {
	*base
}

type IssueRequest struct {
	TenantID   string
	Tier       string
	Origin     model.Origin
	MaxDevices int
	Duration   time.Duration // 大于0时覆盖等级默认有效期
	IssuedBy   string
}

// AccountSeed 消耗密钥后创建账户所需的信息
type AccountSeed struct {
	KeyCode   string
	TenantID  string
	Tier      string
	Origin    model.Origin
	ExpiresAt *time.Time
}

type KeyFilter struct {
	TenantID string
	Status   model.KeyStatus
	Page     int
	PageSize int
}

// ExpiryFor 计算等级对应的到期时间, 月份按日历月计算. nil 表示永久
func ExpiryFor(tier string, duration time.Duration, now time.Time) (*time.Time, error) {
	if duration > 0 {
		t := now.Add(duration)
		return &t, nil
	}
	var t time.Time
	switch tier {
	case model.TierOneMonth:
		t = now.AddDate(0, 1, 0)
	case model.TierThreeMonths:
		t = now.AddDate(0, 3, 0)
	case model.TierTwelveMonth:
		t = now.AddDate(0, 12, 0)
	case model.TierUnlimited, model.TierLocal:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	return &t, nil
}

// Issue 签发单个密钥
func (r *KeyRegistry) Issue(ctx context.Context, req IssueRequest) (*model.License, error) {
	keys, err := r.IssueBatch(ctx, req, 1)
	if err != nil {
		return nil, err
	}
	return &keys[0], nil
}

// IssueBatch 在同一事务内签发 count 个密钥
func (r *KeyRegistry) IssueBatch(ctx context.Context, req IssueRequest, count int) ([]model.License, error) {
	if count < 1 || count > MaxIssueCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidInput, MaxIssueCount)
	}
	now := r.now()
	keys := make([]model.License, 0, count)
	err := r.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < count; i++ {
			lic, err := r.issueTx(tx, req, now)
			if err != nil {
				return err
			}
			keys = append(keys, *lic)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("tenant", req.TenantID).Str("tier", req.Tier).Int("count", count).Msg("license keys issued")
	return keys, nil
}

func (r *KeyRegistry) issueTx(tx *gorm.DB, req IssueRequest, now time.Time) (*model.License, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidInput)
	}
	maxDevices := req.MaxDevices
	if maxDevices == 0 {
		maxDevices = 1
	}
	if maxDevices < 1 {
		return nil, fmt.Errorf("%w: max devices must be positive", ErrInvalidInput)
	}
	expiresAt, err := ExpiryFor(req.Tier, req.Duration, now)
	if err != nil {
		return nil, err
	}
	origin := req.Origin
	if origin == "" {
		origin = model.OriginCloud
	}

	code, err := r.uniqueCode(tx)
	if err != nil {
		return nil, err
	}
	lic := &model.License{
		KeyCode:    code,
		TenantID:   req.TenantID,
		Status:     model.KeyUnused,
		Tier:       req.Tier,
		Origin:     origin,
		MaxDevices: maxDevices,
		ExpiresAt:  expiresAt,
		IssuedBy:   req.IssuedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(lic).Error; err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}
	if err := recordKeyEvent(tx, code, "issue", req.IssuedBy, req.Tier, now); err != nil {
		return nil, err
	}
	return lic, nil
}

func (r *KeyRegistry) uniqueCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := util.GenerateLicenseKey()
		if err != nil {
			return "", err
		}
		var n int64
		if err := tx.Model(&model.License{}).Where("key_code = ?", code).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", errors.New("could not generate unique license key")
}

// Consume 原子地消耗一个激活名额
func (r *KeyRegistry) Consume(ctx context.Context, tenantID, code string) (*AccountSeed, error) {
	code = util.NormalizeLicenseKey(code)
	unlock := r.store.Lock(keyLock(code))
	defer unlock()
	return r.consume(ctx, tenantID, code, "")
}

// consume 调用方必须持有 key 锁
func (r *KeyRegistry) consume(ctx context.Context, tenantID, code, actor string) (*AccountSeed, error) {
	var seed *AccountSeed
	err := r.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		seed, err = r.consumeTx(tx, tenantID, code, actor, r.now())
		return err
	})
	return seed, err
}

func (r *KeyRegistry) consumeTx(tx *gorm.DB, tenantID, code, actor string, now time.Time) (*AccountSeed, error) {
	if !util.ValidLicenseKey(code) {
		return nil, ErrKeyNotFound
	}
	var lic model.License
	if err := tx.Where("key_code = ?", code).First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if lic.TenantID != tenantID {
		return nil, ErrKeyNotFound
	}
	switch {
	case lic.Status == model.KeyRevoked:
		return nil, ErrKeyRevoked
	case lic.Status == model.KeyExpired, lic.ExpiredAt(now):
		return nil, ErrKeyExpired
	case lic.Activations >= lic.MaxDevices:
		return nil, ErrKeyAlreadyConsumed
	}

	// 条件更新保证并发调用者中只有一个能占用最后的名额
	res := tx.Model(&model.License{}).
		Where("key_code = ? AND status IN ? AND activations < max_devices",
			code, []model.KeyStatus{model.KeyUnused, model.KeyActive}).
		Updates(map[string]interface{}{
			"status":            model.KeyActive,
			"activations":       gorm.Expr("activations + 1"),
			"last_activated_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrKeyAlreadyConsumed
	}
	if err := recordKeyEvent(tx, code, "consume", actor, "", now); err != nil {
		return nil, err
	}
	return &AccountSeed{
		KeyCode:   lic.KeyCode,
		TenantID:  lic.TenantID,
		Tier:      lic.Tier,
		Origin:    lic.Origin,
		ExpiresAt: lic.ExpiresAt,
	}, nil
}

// releaseTx 归还一个激活名额, 名额全部归还后密钥回到 UNUSED
func (r *KeyRegistry) releaseTx(tx *gorm.DB, code, actor string, now time.Time) error {
	res := tx.Model(&model.License{}).
		Where("key_code = ? AND activations > 0", code).
		Updates(map[string]interface{}{
			"activations": gorm.Expr("activations - 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s has no consumed slot", ErrKeyNotFound, code)
	}
	if err := tx.Model(&model.License{}).
		Where("key_code = ? AND activations = 0 AND status = ?", code, model.KeyActive).
		Update("status", model.KeyUnused).Error; err != nil {
		return err
	}
	return recordKeyEvent(tx, code, "release", actor, "", now)
}

// retireTx 账户删除后作废其名额: 名额仍计入已消耗, 不会回到 UNUSED
func (r *KeyRegistry) retireTx(tx *gorm.DB, code, actor, accountID string, now time.Time) error {
	res := tx.Model(&model.License{}).
		Where("key_code = ? AND retired_slots < activations", code).
		Updates(map[string]interface{}{
			"retired_slots": gorm.Expr("retired_slots + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 密钥已被删除或名额已作废, 账户删除照常进行
		r.log.Warn().Str("key", code).Str("account", accountID).Msg("no consumed slot to retire")
		return nil
	}
	return recordKeyEvent(tx, code, "account_deleted", actor, accountID, now)
}

// Revoke 幂等吊销, 仅在密钥不存在时失败. tenantID 为空时不校验租户
func (r *KeyRegistry) Revoke(ctx context.Context, tenantID, code, actor string) (*model.License, error) {
	code = util.NormalizeLicenseKey(code)
	unlock := r.store.Lock(keyLock(code))
	defer unlock()

	var lic *model.License
	err := r.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		lic, err = r.revokeTx(tx, tenantID, code, actor, r.now())
		return err
	})
	return lic, err
}

func (r *KeyRegistry) revokeTx(tx *gorm.DB, tenantID, code, actor string, now time.Time) (*model.License, error) {
	var lic model.License
	q := tx.Where("key_code = ?", code)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if lic.Status == model.KeyRevoked {
		return &lic, nil
	}
	if err := tx.Model(&model.License{}).Where("key_code = ?", code).Updates(map[string]interface{}{
		"status":     model.KeyRevoked,
		"revoked_at": now,
		"updated_at": now,
	}).Error; err != nil {
		return nil, err
	}
	lic.Status = model.KeyRevoked
	lic.RevokedAt = &now
	lic.UpdatedAt = now
	return &lic, recordKeyEvent(tx, code, "revoke", actor, "", now)
}

// Delete 删除密钥, 仍被账户引用时拒绝
func (r *KeyRegistry) Delete(ctx context.Context, tenantID, code, actor string) error {
	code = util.NormalizeLicenseKey(code)
	unlock := r.store.Lock(keyLock(code))
	defer unlock()

	return r.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var lic model.License
		if err := tx.Where("key_code = ? AND tenant_id = ?", code, tenantID).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		var refs int64
		if err := tx.Model(&model.Account{}).Where("license_key = ?", code).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return ErrKeyInUse
		}
		now := r.now()
		if err := tx.Model(&model.ActivationOrphan{}).
			Where("key_code = ? AND resolved_at IS NULL", code).
			Updates(map[string]interface{}{"resolved_at": now, "resolution": "deleted"}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&lic).Error; err != nil {
			return err
		}
		return recordKeyEvent(tx, code, "delete", actor, "", now)
	})
}

func (r *KeyRegistry) Get(ctx context.Context, code string) (*model.License, error) {
	var lic model.License
	if err := r.store.DB(ctx).Where("key_code = ?", util.NormalizeLicenseKey(code)).First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &lic, nil
}

func (r *KeyRegistry) List(ctx context.Context, f KeyFilter) ([]model.License, int64, error) {
	var keys []model.License
	var total int64

	q := r.store.DB(ctx).Model(&model.License{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := pagination(f.Page, f.PageSize)
	if err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&keys).Error; err != nil {
		return nil, 0, err
	}
	return keys, total, nil
}

// Events 密钥生命周期记录
func (r *KeyRegistry) Events(ctx context.Context, code string) ([]model.KeyEvent, error) {
	var events []model.KeyEvent
	err := r.store.DB(ctx).Where("key_code = ?", util.NormalizeLicenseKey(code)).
		Order("id ASC").Find(&events).Error
	return events, err
}

func recordKeyEvent(tx *gorm.DB, code, action, actor, detail string, now time.Time) error {
	return tx.Create(&model.KeyEvent{
		KeyCode:   code,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: now,
	}).Error
}

func pagination(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	return page, size
}
