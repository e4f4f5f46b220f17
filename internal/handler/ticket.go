package handler

import (
	"strconv"

	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

type TicketInput struct {
	Subject      string `json:"subject" validate:"required,max=200"`
	Message      string `json:"message" validate:"required,max=5000"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email"`
}

type ReplyInput struct {
	Message string `json:"message" validate:"max=5000"`
}

// HandleCreateTicket 登录用户或匿名联系人提交工单
func (h *Handler) HandleCreateTicket(c *fiber.Ctx) error {
	input := new(TicketInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	req := service.TicketRequest{
		TenantID:     middleware.AuthorityFrom(c).TenantID,
		ContactEmail: input.ContactEmail,
		Subject:      input.Subject,
		Message:      input.Message,
	}
	if id := middleware.IdentityFrom(c); id != nil && !id.IsOperator() {
		req.TenantID = id.TenantID
		req.RequesterAccountID = id.SubjectID
		req.RequesterName = id.Username
	}
	ticket, err := h.svc.Tickets.Create(c.UserContext(), req)
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(service.NewTicketView(*ticket))
}

func (h *Handler) HandleMyTickets(c *fiber.Ctx) error {
	views, err := h.svc.Tickets.Mine(c.UserContext(), subjectID(c))
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.JSON(fiber.Map{
		"tickets": views,
	})
}

func (h *Handler) HandleInbox(c *fiber.Ctx) error {
	messages, err := h.svc.Tickets.Inbox(c.UserContext(), subjectID(c))
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.JSON(fiber.Map{
		"messages": messages,
	})
}

func (h *Handler) HandleMarkRead(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return middleware.RejectPublic(c, badQuery("message id"))
	}
	if err := h.svc.Tickets.MarkRead(c.UserContext(), subjectID(c), uint(id)); err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleDeleteTicket 用户只能删除自己已关闭的工单
func (h *Handler) HandleDeleteTicket(c *fiber.Ctx) error {
	if err := h.svc.Tickets.Delete(c.UserContext(), subjectID(c), c.Params("id")); err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) HandleListTickets(c *fiber.Ctx) error {
	p, size := page(c)
	views, total, err := h.svc.Tickets.List(c.UserContext(), service.TicketFilter{
		TenantID: middleware.AuthorityFrom(c).TenantID,
		Status:   model.TicketStatus(c.Query("status")),
		Page:     p,
		PageSize: size,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"tickets": views,
		"total":   total,
		"page":    p,
	})
}

func (h *Handler) HandleStartTicket(c *fiber.Ctx) error {
	ticket, err := h.svc.Tickets.Start(c.UserContext(), subjectID(c), c.Params("id"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(service.NewTicketView(*ticket))
}

// HandleReplyTicket 回复会关闭工单并投递到用户收件箱
func (h *Handler) HandleReplyTicket(c *fiber.Ctx) error {
	input := new(ReplyInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	ticket, err := h.svc.Tickets.Reply(c.UserContext(), subjectID(c), c.Params("id"), input.Message)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(service.NewTicketView(*ticket))
}

func (h *Handler) HandleCloseTicket(c *fiber.Ctx) error {
	input := new(ReplyInput)
	if len(c.Body()) > 0 {
		if err := h.bind(c, input); err != nil {
			return middleware.Reject(c, err)
		}
	}
	ticket, err := h.svc.Tickets.Close(c.UserContext(), subjectID(c), c.Params("id"), input.Message)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(service.NewTicketView(*ticket))
}
