package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secure-msg-backend/internal/model"

	"gorm.io/gorm"
)

// DeviceBindingStore 设备与账户的绑定, 以 (tenant, device) 为键, account_id 为反向索引
type DeviceBindingStore struct {
	*base
	sessions *SessionStore
}

// Bind 绑定设备. 已绑定到本账户时幂等成功, 绑定到其他账户时返回 ErrDeviceConflict
func (d *DeviceBindingStore) Bind(ctx context.Context, tenantID, accountID, deviceID string, maxDevices int) error {
	unlock := d.store.Lock(deviceLock(tenantID, deviceID), accountLock(accountID))
	defer unlock()
	return d.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return d.bindTx(tx, tenantID, accountID, deviceID, maxDevices, d.now())
	})
}

func (d *DeviceBindingStore) bindTx(tx *gorm.DB, tenantID, accountID, deviceID string, maxDevices int, now time.Time) error {
	var existing model.DeviceBinding
	err := tx.Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).First(&existing).Error
	switch {
	case err == nil && existing.AccountID == accountID:
		return nil
	case err == nil:
		return ErrDeviceConflict
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	var bound int64
	if err := tx.Model(&model.DeviceBinding{}).Where("account_id = ?", accountID).Count(&bound).Error; err != nil {
		return err
	}
	if int(bound) >= maxDevices {
		return ErrDeviceLimitExceeded
	}

	binding := &model.DeviceBinding{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		AccountID: accountID,
		CreatedAt: now,
	}
	if err := tx.Create(binding).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceConflict, err)
	}
	return nil
}

func (d *DeviceBindingStore) unbindTx(tx *gorm.DB, tenantID, accountID, deviceID string) error {
	return tx.Where("tenant_id = ? AND device_id = ? AND account_id = ?", tenantID, deviceID, accountID).
		Delete(&model.DeviceBinding{}).Error
}

// UnbindAll 清除账户全部绑定并吊销其会话, 账户本身保留
func (d *DeviceBindingStore) UnbindAll(ctx context.Context, accountID string) (int64, error) {
	unlock := d.store.Lock(accountLock(accountID))
	defer unlock()

	var removed int64
	var revoked []string
	err := d.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		removed, revoked, err = d.unbindAllTx(tx, accountID, d.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	d.sessions.mirrorRevocations(ctx, revoked)
	return removed, nil
}

func (d *DeviceBindingStore) unbindAllTx(tx *gorm.DB, accountID string, now time.Time) (int64, []string, error) {
	res := tx.Where("account_id = ?", accountID).Delete(&model.DeviceBinding{})
	if res.Error != nil {
		return 0, nil, res.Error
	}
	revoked, err := d.sessions.revokeAllTx(tx, accountID, now)
	if err != nil {
		return 0, nil, err
	}
	return res.RowsAffected, revoked, nil
}

// Devices 账户当前绑定的设备
func (d *DeviceBindingStore) Devices(ctx context.Context, accountID string) ([]model.DeviceBinding, error) {
	var bindings []model.DeviceBinding
	err := d.store.DB(ctx).Where("account_id = ?", accountID).Order("created_at ASC").Find(&bindings).Error
	return bindings, err
}

// isBoundTx 设备是否绑定到该账户
func (d *DeviceBindingStore) isBoundTx(tx *gorm.DB, tenantID, accountID, deviceID string) (bool, error) {
	var n int64
	err := tx.Model(&model.DeviceBinding{}).
		Where("tenant_id = ? AND device_id = ? AND account_id = ?", tenantID, deviceID, accountID).
		Count(&n).Error
	return n > 0, err
}
