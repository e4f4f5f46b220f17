package model

import (
	"time"
)

// KeyEvent 许可证生命周期记录
type KeyEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	KeyCode   string    `json:"key" gorm:"index;size:17"`
	Action    string    `json:"action"` // "issue", "consume", "revoke", "release", ...
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
