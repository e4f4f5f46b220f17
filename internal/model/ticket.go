package model

import "time"

type TicketStatus string

const (
	TicketOpen       TicketStatus = "OPEN"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketClosed     TicketStatus = "CLOSED"
)

// Label 界面使用的状态文字, 必须与前端保持一致
func (s TicketStatus) Label() string {
	switch s {
	case TicketOpen:
		return "OFFEN"
	case TicketInProgress:
		return "IN BEARBEITUNG"
	case TicketClosed:
		return "ABGESCHLOSSEN"
	}
	return string(s)
}

// CSSClass 状态徽章样式
func (s TicketStatus) CSSClass() string {
	switch s {
	case TicketOpen:
		return "msg-status-open"
	case TicketInProgress:
		return "msg-status-progress"
	case TicketClosed:
		return "msg-status-closed"
	}
	return ""
}

type SupportTicket struct {
	ID                 string       `json:"id" gorm:"primaryKey;size:20"`
	TenantID           string       `json:"tenant_id" gorm:"index;size:64"`
	RequesterAccountID string       `json:"requester_account_id" gorm:"index;size:36"`
	RequesterName      string       `json:"requester_name"`
	ContactEmail       string       `json:"contact_email"`
	Subject            string       `json:"subject" gorm:"not null"`
	Message            string       `json:"message" gorm:"not null"`
	Status             TicketStatus `json:"status" gorm:"index;not null"`
	Reply              *string      `json:"reply"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ClosedAt           *time.Time   `json:"closed_at"`
}

type InboxMessage struct {
	ID                 uint      `json:"id" gorm:"primaryKey"`
	RecipientAccountID string    `json:"recipient_account_id" gorm:"index;size:36"`
	RecipientEmail     string    `json:"recipient_email"`
	TicketID           string    `json:"ticket_id" gorm:"index;size:20"`
	Type               string    `json:"type"`
	Subject            string    `json:"subject"`
	Body               string    `json:"body"`
	Read               bool      `json:"read"`
	CreatedAt          time.Time `json:"created_at"`
}
