package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/util"

	"gorm.io/gorm"
)

const (
	inboxTicket = "ticket"
	inboxReply  = "reply"
)

// Tickets 工单状态机: OPEN -> IN_PROGRESS -> CLOSED, 只进不退
type Tickets struct {
	*base
	audit *AuditLog
}

type TicketRequest struct {
	TenantID           string
	RequesterAccountID string
	RequesterName      string
	ContactEmail       string
	Subject            string
	Message            string
}

type TicketFilter struct {
	TenantID string
	Status   model.TicketStatus
	Page     int
	PageSize int
}

// TicketView 附带界面使用的状态文字和样式
type TicketView struct {
	model.SupportTicket
	StatusLabel string `json:"status_label"`
	StatusClass string `json:"status_class"`
	Deletable   bool   `json:"deletable"`
}

func NewTicketView(t model.SupportTicket) TicketView {
	return TicketView{
		SupportTicket: t,
		StatusLabel:   t.Status.Label(),
		StatusClass:   t.Status.CSSClass(),
		Deletable:     t.Status == model.TicketClosed,
	}
}

// Create 由用户或匿名联系人提交工单
func (t *Tickets) Create(ctx context.Context, req TicketRequest) (*model.SupportTicket, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Message = strings.TrimSpace(req.Message)
	if req.Subject == "" || req.Message == "" || len(req.Subject) > 200 {
		return nil, fmt.Errorf("%w: subject and message are required", ErrInvalidInput)
	}
	if req.RequesterAccountID == "" && strings.TrimSpace(req.ContactEmail) == "" {
		return nil, fmt.Errorf("%w: anonymous tickets need a contact email", ErrInvalidInput)
	}
	id, err := util.GenerateTicketID()
	if err != nil {
		return nil, err
	}

	now := t.now()
	ticket := &model.SupportTicket{
		ID:                 id,
		TenantID:           req.TenantID,
		RequesterAccountID: req.RequesterAccountID,
		RequesterName:      strings.TrimSpace(req.RequesterName),
		ContactEmail:       strings.TrimSpace(req.ContactEmail),
		Subject:            req.Subject,
		Message:            req.Message,
		Status:             model.TicketOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = t.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return err
		}
		return tx.Create(&model.InboxMessage{
			RecipientAccountID: ticket.RequesterAccountID,
			RecipientEmail:     ticket.ContactEmail,
			TicketID:           ticket.ID,
			Type:               inboxTicket,
			Subject:            ticket.Subject,
			Body:               ticket.Message,
			Read:               true,
			CreatedAt:          now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	t.log.Info().Str("ticket", ticket.ID).Str("tenant", ticket.TenantID).Msg("ticket created")
	t.publish(ctx, "ticket.created", map[string]string{"ticket_id": ticket.ID, "tenant_id": ticket.TenantID})
	return ticket, nil
}

func (t *Tickets) Get(ctx context.Context, id string) (*model.SupportTicket, error) {
	return getTicketTx(t.store.DB(ctx), id)
}

func getTicketTx(tx *gorm.DB, id string) (*model.SupportTicket, error) {
	var ticket model.SupportTicket
	if err := tx.Where("id = ?", id).First(&ticket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// Start 管理员开始处理: OPEN -> IN_PROGRESS
func (t *Tickets) Start(ctx context.Context, operatorID, id string) (*model.SupportTicket, error) {
	unlock := t.store.Lock(ticketLock(id))
	defer unlock()

	var ticket *model.SupportTicket
	err := t.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if ticket, err = getTicketTx(tx, id); err != nil {
			return err
		}
		if ticket.Status != model.TicketOpen {
			return fmt.Errorf("%w: %s -> %s", ErrTicketTransition, ticket.Status, model.TicketInProgress)
		}
		now := t.now()
		ticket.Status = model.TicketInProgress
		ticket.UpdatedAt = now
		if err := tx.Model(&model.SupportTicket{}).Where("id = ?", id).
			Updates(map[string]interface{}{"status": ticket.Status, "updated_at": now}).Error; err != nil {
			return err
		}
		return t.audit.recordTx(tx, operatorID, ticket.TenantID, "start_ticket", "ticket", id, nil, now)
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// Reply 回复并关闭工单, 回复内容不能为空
func (t *Tickets) Reply(ctx context.Context, operatorID, id, body string) (*model.SupportTicket, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: reply body required", ErrInvalidInput)
	}
	return t.Close(ctx, operatorID, id, body)
}

// Close 关闭工单. body 非空时向请求者投递一条 "RE: <subject>" 收件箱消息
func (t *Tickets) Close(ctx context.Context, operatorID, id, body string) (*model.SupportTicket, error) {
	unlock := t.store.Lock(ticketLock(id))
	defer unlock()

	body = strings.TrimSpace(body)
	var ticket *model.SupportTicket
	err := t.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if ticket, err = getTicketTx(tx, id); err != nil {
			return err
		}
		if ticket.Status == model.TicketClosed {
			return fmt.Errorf("%w: ticket already closed", ErrTicketTransition)
		}
		now := t.now()
		updates := map[string]interface{}{
			"status":     model.TicketClosed,
			"updated_at": now,
			"closed_at":  now,
		}
		if body != "" {
			updates["reply"] = body
			ticket.Reply = &body
		}
		if err := tx.Model(&model.SupportTicket{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		ticket.Status = model.TicketClosed
		ticket.UpdatedAt = now
		ticket.ClosedAt = &now

		if body != "" {
			if err := tx.Create(&model.InboxMessage{
				RecipientAccountID: ticket.RequesterAccountID,
				RecipientEmail:     ticket.ContactEmail,
				TicketID:           ticket.ID,
				Type:               inboxReply,
				Subject:            ReplySubject(ticket),
				Body:               t.renderReply(ticket, body),
				CreatedAt:          now,
			}).Error; err != nil {
				return err
			}
		}
		return t.audit.recordTx(tx, operatorID, ticket.TenantID, "close_ticket", "ticket", id,
			map[string]bool{"replied": body != ""}, now)
	})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, "ticket.closed", map[string]interface{}{"ticket_id": id, "replied": body != ""})
	return ticket, nil
}

// ReplySubject 回复消息的标题
func ReplySubject(ticket *model.SupportTicket) string {
	return fmt.Sprintf("RE: %s - Ticket: #%s", ticket.Subject, ticket.ID)
}

func (t *Tickets) renderReply(ticket *model.SupportTicket, body string) string {
	name := ticket.RequesterName
	if name == "" {
		name = ticket.ContactEmail
	}
	return strings.NewReplacer("{username}", name, "[TEXT]", body).Replace(t.cfg.Tickets.ReplyTemplate)
}

// Delete 请求者删除自己的工单, 只允许删除已关闭的工单
func (t *Tickets) Delete(ctx context.Context, requesterAccountID, id string) error {
	unlock := t.store.Lock(ticketLock(id))
	defer unlock()

	return t.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := getTicketTx(tx, id)
		if err != nil {
			return err
		}
		if requesterAccountID == "" || ticket.RequesterAccountID != requesterAccountID {
			return ErrTicketNotFound
		}
		if ticket.Status != model.TicketClosed {
			return ErrTicketNotDeletable
		}
		if err := tx.Where("ticket_id = ? AND recipient_account_id = ?", id, requesterAccountID).
			Delete(&model.InboxMessage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.SupportTicket{}, "id = ?", id).Error
	})
}

func (t *Tickets) List(ctx context.Context, f TicketFilter) ([]TicketView, int64, error) {
	var tickets []model.SupportTicket
	var total int64

	q := t.store.DB(ctx).Model(&model.SupportTicket{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := pagination(f.Page, f.PageSize)
	if err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&tickets).Error; err != nil {
		return nil, 0, err
	}
	views := make([]TicketView, 0, len(tickets))
	for _, tk := range tickets {
		views = append(views, NewTicketView(tk))
	}
	return views, total, nil
}

// Mine 请求者自己的工单
func (t *Tickets) Mine(ctx context.Context, accountID string) ([]TicketView, error) {
	var tickets []model.SupportTicket
	if err := t.store.DB(ctx).Where("requester_account_id = ?", accountID).
		Order("created_at DESC").Find(&tickets).Error; err != nil {
		return nil, err
	}
	views := make([]TicketView, 0, len(tickets))
	for _, tk := range tickets {
		views = append(views, NewTicketView(tk))
	}
	return views, nil
}

// Inbox 账户收件箱, 最新在前
func (t *Tickets) Inbox(ctx context.Context, accountID string) ([]model.InboxMessage, error) {
	var messages []model.InboxMessage
	err := t.store.DB(ctx).Where("recipient_account_id = ?", accountID).
		Order("created_at DESC, id DESC").Find(&messages).Error
	return messages, err
}

// MarkRead 标记收件箱消息已读
func (t *Tickets) MarkRead(ctx context.Context, accountID string, messageID uint) error {
	res := t.store.DB(ctx).Model(&model.InboxMessage{}).
		Where("id = ? AND recipient_account_id = ?", messageID, accountID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: inbox message", ErrTicketNotFound)
	}
	return nil
}

// openCounts 统计用, 按状态计数
func openCounts(tx *gorm.DB, tenantID string) (open, inProgress int64, err error) {
	q := func(status model.TicketStatus) (int64, error) {
		var n int64
		db := tx.Model(&model.SupportTicket{}).Where("status = ?", status)
		if tenantID != "" {
			db = db.Where("tenant_id = ?", tenantID)
		}
		err := db.Count(&n).Error
		return n, err
	}
	if open, err = q(model.TicketOpen); err != nil {
		return
	}
	inProgress, err = q(model.TicketInProgress)
	return
}
