package model

import (
	"time"
)

type KeyStatus string

const (
	KeyUnused  KeyStatus = "UNUSED"
	KeyActive  KeyStatus = "ACTIVE"
	KeyRevoked KeyStatus = "REVOKED"
	KeyExpired KeyStatus = "EXPIRED"
)

// Origin 账户/密钥来源
type Origin string

const (
	OriginCloud      Origin = "CLOUD"
	OriginLocal      Origin = "LOCAL"
	OriginEnterprise Origin = "ENTERPRISE"
)

// 许可证等级
const (
	TierOneMonth    = "1m"
	TierThreeMonths = "3m"
	TierTwelveMonth = "12m"
	TierUnlimited   = "unlimited"
	TierLocal       = "local"
)

// License 许可证密钥. MaxDevices 为可激活次数, Activations 为已消耗次数,
// RetiredSlots 为账户被删除后作废的名额, 这些名额不会归还
type License struct {
	KeyCode         string     `json:"key" gorm:"primaryKey;size:17"`
	TenantID        string     `json:"tenant_id" gorm:"index;not null"`
	Status          KeyStatus  `json:"status" gorm:"index;not null"`
	Tier            string     `json:"tier"`
	Origin          Origin     `json:"origin"`
	MaxDevices      int        `json:"max_devices" gorm:"not null;default:1"`
	Activations     int        `json:"activations" gorm:"not null;default:0"`
	RetiredSlots    int        `json:"retired_slots" gorm:"not null;default:0"`
	ExpiresAt       *time.Time `json:"expires_at"` // nil 表示永久
	IssuedBy        string     `json:"issued_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastActivatedAt *time.Time `json:"last_activated_at"`
	RevokedAt       *time.Time `json:"revoked_at"`
}

func (l *License) Lifetime() bool {
	return l.ExpiresAt == nil
}

func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}
