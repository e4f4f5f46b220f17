package service

import (
	"context"
	"encoding/json"
	"time"

	"secure-msg-backend/internal/model"

	"gorm.io/gorm"
)

// AuditLog 管理员操作日志与登录日志
type AuditLog struct {
	*base
}

type LogFilter struct {
	OperatorID string
	TenantID   string
	Page       int
	PageSize   int
}

// recordTx 在调用方事务内写入操作日志, 与被记录的变更一同提交
func (a *AuditLog) recordTx(tx *gorm.DB, operatorID, tenantID, action, target, targetID string, details interface{}, now time.Time) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	entry := &model.OperationLog{
		OperatorID: operatorID,
		TenantID:   tenantID,
		Action:     action,
		Target:     target,
		TargetID:   targetID,
		Details:    string(detailsJSON),
		CreatedAt:  now,
	}
	return tx.Create(entry).Error
}

// Record 独立写入一条操作日志
func (a *AuditLog) Record(ctx context.Context, operatorID, tenantID, action, target, targetID string, details interface{}) error {
	return a.recordTx(a.store.DB(ctx), operatorID, tenantID, action, target, targetID, details, a.now())
}

// OperationLogs 获取操作日志列表
func (a *AuditLog) OperationLogs(ctx context.Context, f LogFilter) ([]model.OperationLog, int64, error) {
	var logs []model.OperationLog
	var total int64

	q := a.store.DB(ctx).Model(&model.OperationLog{})
	if f.OperatorID != "" {
		q = q.Where("operator_id = ?", f.OperatorID)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}

	// 获取总数
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 获取分页数据
	page, size := pagination(f.Page, f.PageSize)
	if err := q.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// LoginLogs 获取登录日志
func (a *AuditLog) LoginLogs(ctx context.Context, f LogFilter) ([]model.LoginLog, int64, error) {
	var logs []model.LoginLog
	var total int64

	q := a.store.DB(ctx).Model(&model.LoginLog{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, size := pagination(f.Page, f.PageSize)
	if err := q.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
