package model

import (
	"time"
)

// Operator 管理后台用户
type Operator struct {
	ID        string     `json:"id" gorm:"primaryKey;size:36"`
	Username  string     `json:"username" gorm:"unique;not null"`
	Password  string     `json:"-" gorm:"not null"`
	Role      string     `json:"role" gorm:"default:'admin'"`
	Status    string     `json:"status" gorm:"default:'active'"`
	CreatedAt time.Time  `json:"createdat"`
	UpdatedAt time.Time  `json:"updatedat"`
	LastLogin *time.Time `json:"lastlogin"`
}
