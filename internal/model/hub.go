package model

import "time"

type HubState string

const (
	HubCreated  HubState = "CREATED"
	HubStarted  HubState = "STARTED"
	HubDraining HubState = "DRAINING"
)

// Hub 局域网企业服务器, 每个租户最多一个
type Hub struct {
	TenantID     string     `json:"tenant_id" gorm:"primaryKey;size:64"`
	BundleID     string     `json:"bundle_id"`
	HealthURL    string     `json:"health_url"`
	State        HubState   `json:"state" gorm:"not null"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at"`
	LastExportAt *time.Time `json:"last_export_at"`
}

// MasterKeyEntry 管理后台 "Master Key List" 中的一行, 由 hub 单向导出
type MasterKeyEntry struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	HubTenantID string     `json:"hub_tenant_id" gorm:"index;size:64;not null"`
	ExportID    string     `json:"export_id" gorm:"index;size:36"`
	KeyCode     string     `json:"key"`
	Status      KeyStatus  `json:"status"`
	Tier        string     `json:"tier"`
	Origin      Origin     `json:"origin"`
	Username    string     `json:"username"`
	AccountID   string     `json:"account_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ExportedAt  time.Time  `json:"exported_at"`
}

// ActivationOrphan 已消耗但未完成激活的密钥, 等待管理员处理
type ActivationOrphan struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	TenantID   string     `json:"tenant_id" gorm:"index;size:64"`
	KeyCode    string     `json:"key" gorm:"index;size:17"`
	Username   string     `json:"username"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
	Resolution string     `json:"resolution"`
}
