package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"secure-msg-backend/internal/model"

	"gorm.io/gorm"
)

const maxActivityMetadata = 4096

// ActivityRequest 终端用户上报的一条使用记录
type ActivityRequest struct {
	Action   string
	Metadata map[string]interface{}
	IP       string
}

// RecordActivity 记录已登录用户的使用行为, 管理员会话不计入
func (a *AuditLog) RecordActivity(ctx context.Context, id *Identity, req ActivityRequest) error {
	if id == nil || id.IsOperator() {
		return ErrInsufficientPrivile
	}
	action := strings.TrimSpace(req.Action)
	if action == "" || len(action) > 64 {
		return fmt.Errorf("%w: action must be 1-64 characters", ErrInvalidInput)
	}
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}
	if len(metadata) > maxActivityMetadata {
		return fmt.Errorf("%w: metadata too large", ErrInvalidInput)
	}
	return activityTx(a.store.DB(ctx), id.TenantID, id.SubjectID, action, string(metadata), req.IP, a.now())
}

func activityTx(tx *gorm.DB, tenantID, accountID, action, metadata, ip string, now time.Time) error {
	if metadata == "" || metadata == "null" {
		metadata = "{}"
	}
	return tx.Create(&model.ActivityLog{
		TenantID:  tenantID,
		AccountID: accountID,
		Action:    action,
		Metadata:  metadata,
		IP:        ip,
		CreatedAt: now,
	}).Error
}
