package model

import "time"

type LoginLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AccountID string    `json:"account_id" gorm:"index"`
	TenantID  string    `json:"tenant_id"`
	Username  string    `json:"username"`
	DeviceID  string    `json:"device_id"`
	Mode      string    `json:"mode"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Status    string    `json:"status"` // success, failed
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
