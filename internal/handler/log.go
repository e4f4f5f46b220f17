package handler

import (
	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

func (h *Handler) HandleGetLogs(c *fiber.Ctx) error {
	p, size := page(c)
	logs, total, err := h.svc.Audit.OperationLogs(c.UserContext(), service.LogFilter{
		OperatorID: c.Query("operator_id"),
		TenantID:   middleware.AuthorityFrom(c).TenantID,
		Page:       p,
		PageSize:   size,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  p,
	})
}

func (h *Handler) HandleGetLoginLogs(c *fiber.Ctx) error {
	p, size := page(c)
	logs, total, err := h.svc.Audit.LoginLogs(c.UserContext(), service.LogFilter{
		TenantID: middleware.AuthorityFrom(c).TenantID,
		Page:     p,
		PageSize: size,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  p,
	})
}
