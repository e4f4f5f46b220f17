package model

import "time"

type Account struct {
	ID               string     `json:"id" gorm:"primaryKey;size:36"`
	TenantID         string     `json:"tenant_id" gorm:"uniqueIndex:idx_account_tenant_username;size:64;not null"`
	Username         string     `json:"username" gorm:"uniqueIndex:idx_account_tenant_username;size:50;not null"`
	AccessCodeHash   string     `json:"-" gorm:"not null"`
	Origin           Origin     `json:"origin" gorm:"not null"`
	Department       string     `json:"department"`
	LicenseKey       string     `json:"license_key" gorm:"index;size:17"`
	MaxDevices       int        `json:"max_devices" gorm:"not null;default:1"`
	Blocked          bool       `json:"blocked" gorm:"not null;default:false"`
	LicenseExpiresAt *time.Time `json:"license_expires_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastLogin        *time.Time `json:"last_login"`
}

// DeviceBinding 以 (tenant, device) 为主键, account_id 为反向索引
type DeviceBinding struct {
	TenantID  string    `json:"tenant_id" gorm:"primaryKey;size:64"`
	DeviceID  string    `json:"device_id" gorm:"primaryKey;size:128"`
	AccountID string    `json:"account_id" gorm:"index;size:36;not null"`
	CreatedAt time.Time `json:"created_at"`
}

type Quota struct {
	TenantID  string    `json:"tenant_id" gorm:"primaryKey;size:64"`
	Allowed   int       `json:"allowed" gorm:"not null"`
	Used      int       `json:"used" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (q Quota) Available() int {
	return q.Allowed - q.Used
}
