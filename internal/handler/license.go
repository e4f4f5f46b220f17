package handler

import (
	"strconv"
	"time"

	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

type IssueKeysInput struct {
	Tier         string `json:"tier" validate:"required,oneof=1m 3m 12m unlimited"`
	Count        int    `json:"count" validate:"min=1,max=100"`
	MaxDevices   int    `json:"max_devices" validate:"min=0,max=1000"`
	DurationDays int    `json:"duration_days" validate:"min=0"`
}

type QuotaInput struct {
	Allowed int `json:"allowed" validate:"min=0"`
}

type ResolveOrphanInput struct {
	Resolution string `json:"resolution" validate:"required,oneof=release revoke"`
}

// HandleListKeys 管理员获取许可证列表
func (h *Handler) HandleListKeys(c *fiber.Ctx) error {
	p, size := page(c)
	keys, total, err := h.svc.Keys.List(c.UserContext(), service.KeyFilter{
		TenantID: middleware.AuthorityFrom(c).TenantID,
		Status:   model.KeyStatus(c.Query("status")),
		Page:     p,
		PageSize: size,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"licenses": keys,
		"total":    total,
		"page":     p,
	})
}

// HandleIssueKeys 批量签发密钥, 来源由当前权威决定
func (h *Handler) HandleIssueKeys(c *fiber.Ctx) error {
	input := new(IssueKeysInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	keys, err := h.svc.Admin.IssueKeys(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), service.IssueKeysRequest{
		Tier:       input.Tier,
		Count:      input.Count,
		MaxDevices: input.MaxDevices,
		Duration:   time.Duration(input.DurationDays) * 24 * time.Hour,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"licenses": keys,
	})
}

// HandleKeyEvents 密钥的签发, 消耗, 释放和吊销历史
func (h *Handler) HandleKeyEvents(c *fiber.Ctx) error {
	license, err := h.svc.Keys.Get(c.UserContext(), c.Params("key"))
	if err == nil && license.TenantID != middleware.AuthorityFrom(c).TenantID {
		err = service.ErrKeyNotFound
	}
	if err != nil {
		return middleware.Reject(c, err)
	}
	events, err := h.svc.Keys.Events(c.UserContext(), license.KeyCode)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"events": events,
	})
}

func (h *Handler) HandleRevokeKey(c *fiber.Ctx) error {
	license, err := h.svc.Admin.RevokeKey(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), c.Params("key"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(license)
}

// HandleDeleteKey 只能删除没有账户引用的密钥
func (h *Handler) HandleDeleteKey(c *fiber.Ctx) error {
	if err := h.svc.Admin.DeleteKey(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), c.Params("key")); err != nil {
		return middleware.Reject(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) HandleGetQuota(c *fiber.Ctx) error {
	q, err := h.svc.Admin.Quota(c.UserContext(), middleware.AuthorityFrom(c).TenantID)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(q)
}

func (h *Handler) HandleSetQuota(c *fiber.Ctx) error {
	input := new(QuotaInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	q, err := h.svc.Admin.SetQuota(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), input.Allowed)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(q)
}

func (h *Handler) HandleListOrphans(c *fiber.Ctx) error {
	orphans, err := h.svc.Admin.ListOrphans(c.UserContext(), middleware.AuthorityFrom(c).TenantID)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"orphans": orphans,
	})
}

// HandleScanOrphans 把计数差异发现的孤儿密钥登记下来, 以便处理
func (h *Handler) HandleScanOrphans(c *fiber.Ctx) error {
	created, err := h.svc.Admin.ScanOrphans(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"created": created,
	})
}

func (h *Handler) HandleResolveOrphan(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return middleware.Reject(c, badQuery("orphan id"))
	}
	input := new(ResolveOrphanInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	if err := h.svc.Admin.ResolveOrphan(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), uint(id), input.Resolution); err != nil {
		return middleware.Reject(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
