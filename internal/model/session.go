package model

import "time"

const (
	SubjectAccount  = "account"
	SubjectOperator = "operator"
)

type Session struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	SubjectID   string     `json:"subject_id" gorm:"index;size:36;not null"`
	SubjectKind string     `json:"subject_kind" gorm:"size:16;not null"`
	TenantID    string     `json:"tenant_id" gorm:"size:64"`
	Mode        string     `json:"mode" gorm:"size:16"`
	DeviceID    string     `json:"device_id" gorm:"size:128"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at"` // nil 表示永久会话, 仅限内部管理账户
	RevokedAt   *time.Time `json:"revoked_at"`
}

func (s *Session) Active(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}
