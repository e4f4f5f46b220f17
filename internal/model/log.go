package model

import "time"

type OperationLog struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	OperatorID string    `json:"operator_id" gorm:"index"`
	TenantID   string    `json:"tenant_id"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	TargetID   string    `json:"target_id"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActivityLog 客户端上报的使用记录, 登录和注销也会写入. 用于日活统计
type ActivityLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"index;size:64"`
	AccountID string    `json:"account_id" gorm:"index"`
	Action    string    `json:"action" gorm:"size:64"`
	Metadata  string    `json:"metadata"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
