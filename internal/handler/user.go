package handler

import (
	"context"
	"strconv"
	"strings"

	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

type ActivateInput struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Username   string `json:"username" validate:"required,max=50"`
	AccessCode string `json:"access_code" validate:"required,max=128"`
	DeviceID   string `json:"device_id" validate:"required,max=128"`
}

type LoginInput struct {
	Username   string `json:"username" validate:"required"`
	AccessCode string `json:"access_code" validate:"required"`
	DeviceID   string `json:"device_id" validate:"max=128"`
}

type TokenInput struct {
	Token string `json:"token" validate:"required"`
}

type AdminLoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LocalUserInput struct {
	Username   string `json:"username" validate:"required,max=50"`
	Department string `json:"department" validate:"max=100"`
}

func (in *ActivateInput) request() service.ActivateRequest {
	return service.ActivateRequest{
		LicenseKey: in.LicenseKey,
		Username:   in.Username,
		AccessCode: in.AccessCode,
		DeviceID:   in.DeviceID,
	}
}

// HandleActivate 用许可证密钥创建账户并绑定设备
func (h *Handler) HandleActivate(c *fiber.Ctx) error {
	input := new(ActivateInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	acc, err := h.svc.Gateway.Activate(c.UserContext(), middleware.AuthorityFrom(c), input.request())
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(acc)
}

// HandleReactivate 重置设备后或本地用户首次使用时绑定新设备
func (h *Handler) HandleReactivate(c *fiber.Ctx) error {
	input := new(ActivateInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	acc, err := h.svc.Gateway.Reactivate(c.UserContext(), middleware.AuthorityFrom(c), input.request())
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.JSON(acc)
}

func (h *Handler) HandleLogin(c *fiber.Ctx) error {
	input := new(LoginInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	res, err := h.svc.Gateway.Login(c.UserContext(), middleware.AuthorityFrom(c), service.LoginRequest{
		Username:   input.Username,
		AccessCode: input.AccessCode,
		DeviceID:   input.DeviceID,
		IP:         c.IP(),
		UserAgent:  c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) HandleLogout(c *fiber.Ctx) error {
	input := new(TokenInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	if err := h.svc.Gateway.Logout(c.UserContext(), input.Token); err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type ActivityInput struct {
	Action   string                 `json:"action" validate:"required,max=64"`
	Metadata map[string]interface{} `json:"metadata"`
}

// HandleActivity 记录客户端上报的使用行为, 仅限终端用户会话
func (h *Handler) HandleActivity(c *fiber.Ctx) error {
	input := new(ActivityInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	err := h.svc.Audit.RecordActivity(c.UserContext(), middleware.IdentityFrom(c), service.ActivityRequest{
		Action:   input.Action,
		Metadata: input.Metadata,
		IP:       c.IP(),
	})
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"logged": true})
}

// HandleValidateToken 返回令牌对应的身份, 无效时返回 401
func (h *Handler) HandleValidateToken(c *fiber.Ctx) error {
	input := new(TokenInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	id, err := h.svc.Gateway.Validate(c.UserContext(), input.Token)
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.JSON(fiber.Map{
		"valid":    true,
		"identity": id,
	})
}

func (h *Handler) HandleAdminLogin(c *fiber.Ctx) error {
	input := new(AdminLoginInput)
	if err := h.bind(c, input); err != nil {
		return middleware.RejectPublic(c, err)
	}
	sess, op, err := h.svc.Gateway.OperatorLogin(c.UserContext(), input.Username, input.Password)
	if err != nil {
		return middleware.RejectPublic(c, err)
	}
	return c.JSON(fiber.Map{
		"token":   sess.Token,
		"session": sess,
		"user": fiber.Map{
			"id":        op.ID,
			"username":  op.Username,
			"role":      op.Role,
			"lastlogin": op.LastLogin,
		},
	})
}

// HandleListAccounts 按用户名和封禁状态筛选账户
func (h *Handler) HandleListAccounts(c *fiber.Ctx) error {
	p, size := page(c)
	filter := service.AccountFilter{
		Search:   strings.TrimSpace(c.Query("keyword")),
		Page:     p,
		PageSize: size,
	}
	if raw := c.Query("blocked"); raw != "" {
		blocked, err := strconv.ParseBool(raw)
		if err != nil {
			return middleware.Reject(c, badQuery("blocked"))
		}
		filter.Blocked = &blocked
	}

	accounts, total, err := h.svc.Admin.ListAccounts(c.UserContext(), middleware.AuthorityFrom(c).TenantID, filter)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"accounts": accounts,
		"total":    total,
		"page":     p,
	})
}

func (h *Handler) HandleGetAccount(c *fiber.Ctx) error {
	detail, err := h.svc.Admin.Account(c.UserContext(), middleware.AuthorityFrom(c).TenantID, c.Params("id"))
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(detail)
}

func (h *Handler) HandleBlockAccount(c *fiber.Ctx) error {
	return h.accountAction(c, h.svc.Admin.Block)
}

func (h *Handler) HandleUnblockAccount(c *fiber.Ctx) error {
	return h.accountAction(c, h.svc.Admin.Unblock)
}

func (h *Handler) HandleResetDevice(c *fiber.Ctx) error {
	return h.accountAction(c, h.svc.Admin.ResetDevice)
}

func (h *Handler) HandleDeleteAccount(c *fiber.Ctx) error {
	return h.accountAction(c, h.svc.Admin.DeleteAccount)
}

type accountOp func(ctx context.Context, auth service.Authority, operatorID, accountID string) error

func (h *Handler) accountAction(c *fiber.Ctx, op accountOp) error {
	if err := op(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), c.Params("id")); err != nil {
		return middleware.Reject(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleCreateLocalUser 仅在 LAN hub 上可用, 访问码只返回这一次
func (h *Handler) HandleCreateLocalUser(c *fiber.Ctx) error {
	input := new(LocalUserInput)
	if err := h.bind(c, input); err != nil {
		return middleware.Reject(c, err)
	}
	grant, err := h.svc.Admin.CreateLocalUser(c.UserContext(), middleware.AuthorityFrom(c), subjectID(c), service.LocalUserRequest{
		Username:   input.Username,
		Department: input.Department,
	})
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(grant)
}
