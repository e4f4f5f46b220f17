package service

import (
	"context"
	"fmt"
	"time"

	"secure-msg-backend/internal/model"

	"gorm.io/gorm"
)

// QuotaEnforcer 维护每个租户的已用/允许席位, 保证 used <= allowed
type QuotaEnforcer struct {
	*base
}

// Get 读取租户配额, 不存在时按默认席位数创建
func (q *QuotaEnforcer) Get(ctx context.Context, tenantID string) (model.Quota, error) {
	return q.getTx(q.store.DB(ctx), tenantID)
}

func (q *QuotaEnforcer) getTx(tx *gorm.DB, tenantID string) (model.Quota, error) {
	quota := model.Quota{}
	err := tx.Where(model.Quota{TenantID: tenantID}).
		Attrs(model.Quota{Allowed: q.cfg.Quota.Seats()}).
		FirstOrCreate(&quota).Error
	return quota, err
}

// reserve 占用一个席位, 调用方必须持有 quota 锁
func (q *QuotaEnforcer) reserve(ctx context.Context, tenantID string) error {
	return q.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return q.reserveTx(tx, tenantID, q.now())
	})
}

func (q *QuotaEnforcer) reserveTx(tx *gorm.DB, tenantID string, now time.Time) error {
	if _, err := q.getTx(tx, tenantID); err != nil {
		return err
	}
	res := tx.Model(&model.Quota{}).
		Where("tenant_id = ? AND used < allowed", tenantID).
		Updates(map[string]interface{}{"used": gorm.Expr("used + 1"), "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// Reserve 对外的席位占用接口
func (q *QuotaEnforcer) Reserve(ctx context.Context, tenantID string) error {
	unlock := q.store.Lock(quotaLock(tenantID))
	defer unlock()
	if err := q.reserve(ctx, tenantID); err != nil {
		return err
	}
	q.observe(ctx, tenantID)
	return nil
}

func (q *QuotaEnforcer) release(ctx context.Context, tenantID string) error {
	return q.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return q.releaseTx(tx, tenantID, q.now())
	})
}

func (q *QuotaEnforcer) releaseTx(tx *gorm.DB, tenantID string, now time.Time) error {
	res := tx.Model(&model.Quota{}).
		Where("tenant_id = ? AND used > 0", tenantID).
		Updates(map[string]interface{}{"used": gorm.Expr("used - 1"), "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSeatNotHeld, tenantID)
	}
	return nil
}

// seatDriftTx 返回已用席位与实际账户数. used > accounts 说明有席位在激活中途泄漏
func (q *QuotaEnforcer) seatDriftTx(tx *gorm.DB, tenantID string) (used, accounts int, err error) {
	var quota model.Quota
	if err = tx.Where("tenant_id = ?", tenantID).Limit(1).Find(&quota).Error; err != nil {
		return 0, 0, err
	}
	var n int64
	if err = tx.Model(&model.Account{}).Where("tenant_id = ?", tenantID).Count(&n).Error; err != nil {
		return 0, 0, err
	}
	return quota.Used, int(n), nil
}

// reconcileTx 把泄漏的席位归还, 使 used 等于账户数. 调用方必须持有 quota 锁
func (q *QuotaEnforcer) reconcileTx(tx *gorm.DB, tenantID string, now time.Time) (int, error) {
	used, accounts, err := q.seatDriftTx(tx, tenantID)
	if err != nil || used <= accounts {
		return 0, err
	}
	res := tx.Model(&model.Quota{}).
		Where("tenant_id = ? AND used = ?", tenantID, used).
		Updates(map[string]interface{}{"used": accounts, "updated_at": now})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, nil
	}
	return used - accounts, nil
}

// Release 归还席位
func (q *QuotaEnforcer) Release(ctx context.Context, tenantID string) error {
	unlock := q.store.Lock(quotaLock(tenantID))
	defer unlock()
	if err := q.release(ctx, tenantID); err != nil {
		return err
	}
	q.observe(ctx, tenantID)
	return nil
}

// SetAllowed 调整允许席位数, 不允许低于已用席位
func (q *QuotaEnforcer) SetAllowed(ctx context.Context, tenantID string, allowed int) (model.Quota, error) {
	if allowed < 0 {
		return model.Quota{}, fmt.Errorf("%w: allowed seats must not be negative", ErrInvalidInput)
	}
	unlock := q.store.Lock(quotaLock(tenantID))
	defer unlock()

	var quota model.Quota
	err := q.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		quota, err = q.setAllowedTx(tx, tenantID, allowed, q.now())
		return err
	})
	return quota, err
}

func (q *QuotaEnforcer) setAllowedTx(tx *gorm.DB, tenantID string, allowed int, now time.Time) (model.Quota, error) {
	quota, err := q.getTx(tx, tenantID)
	if err != nil {
		return quota, err
	}
	res := tx.Model(&model.Quota{}).
		Where("tenant_id = ? AND used <= ?", tenantID, allowed).
		Updates(map[string]interface{}{"allowed": allowed, "updated_at": now})
	if res.Error != nil {
		return quota, res.Error
	}
	if res.RowsAffected == 0 {
		return quota, fmt.Errorf("%w: %d seats in use", ErrQuotaBelowUsage, quota.Used)
	}
	quota.Allowed = allowed
	quota.UpdatedAt = now
	return quota, nil
}

// observe 刷新席位指标
func (q *QuotaEnforcer) observe(ctx context.Context, tenantID string) {
	if q.metrics == nil {
		return
	}
	var quota model.Quota
	if err := q.store.DB(ctx).Where("tenant_id = ?", tenantID).First(&quota).Error; err == nil {
		q.metrics.SeatsUsed(tenantID, quota.Used)
	}
}
