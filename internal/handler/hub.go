package handler

import (
	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

type HubInput struct {
	TenantID  string `json:"tenant_id" validate:"required,max=64"`
	BundleID  string `json:"bundle_id" validate:"max=128"`
	Seats     int    `json:"seats" validate:"min=0"`
	HealthURL string `json:"health_url" validate:"omitempty,url"`
}

func (h *Handler) HandleListHubs(c *fiber.Ctx) error {
	hubs, err := h.svc.Authority.Hubs(c.UserContext())
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"hubs": hubs,
	})
}

// HandleCreateHub 登记企业 hub 并设置租户席位
func (h *Handler) HandleCreateHub(c *fiber.Ctx) error {
	input := new(HubInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	hub, err := h.svc.Authority.CreateHub(c.UserContext(), subjectID(c), service.HubSpec{
		TenantID:  input.TenantID,
		BundleID:  input.BundleID,
		Seats:     input.Seats,
		HealthURL: input.HealthURL,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}
	h.log.Info().Str("tenant", hub.TenantID).Str("operator", subjectID(c)).Msg("hub created")
	return c.Status(fiber.StatusCreated).JSON(hub)
}

func (h *Handler) HandleGetHub(c *fiber.Ctx) error {
	hub, err := h.svc.Authority.Hub(c.UserContext(), c.Params("tenant"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(hub)
}

// HandleStartHub 启动 hub 并导出 Master Key List
func (h *Handler) HandleStartHub(c *fiber.Ctx) error {
	res, err := h.svc.Authority.StartHub(c.UserContext(), subjectID(c), c.Params("tenant"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) HandleDrainHub(c *fiber.Ctx) error {
	hub, err := h.svc.Authority.DrainHub(c.UserContext(), subjectID(c), c.Params("tenant"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(hub)
}

// HandleResetHub 清空 hub 租户的全部账户和密钥, 不可恢复
func (h *Handler) HandleResetHub(c *fiber.Ctx) error {
	hub, err := h.svc.Authority.ResetHub(c.UserContext(), subjectID(c), c.Params("tenant"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	h.log.Warn().Str("tenant", hub.TenantID).Str("operator", subjectID(c)).Msg("hub reset")
	return c.JSON(hub)
}

func (h *Handler) HandleExportHub(c *fiber.Ctx) error {
	res, err := h.svc.Authority.Export(c.UserContext(), subjectID(c), c.Params("tenant"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) HandleMasterKeys(c *fiber.Ctx) error {
	entries, err := h.svc.Authority.MasterKeyList(c.UserContext(), c.Params("tenant"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"entries": entries,
	})
}
