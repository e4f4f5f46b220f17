package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"secure-msg-backend/internal/config"
	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Handler HTTP 边界, 只做参数解析与错误映射, 业务规则全部在 service 中
type Handler struct {
	svc           *service.Services
	validate      *validator.Validate
	log           zerolog.Logger
	defaultTenant string
}

func New(svc *service.Services, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		svc:           svc,
		validate:      validator.New(),
		log:           log,
		defaultTenant: cfg.Server.DefaultTenant,
	}
}

// Register 注册全部路由
func (h *Handler) Register(app *fiber.App) {
	app.Get("/api/health", h.HandleHealth)

	authed := middleware.Auth(h.svc.Gateway)
	api := app.Group("/api/v1", middleware.ResolveAuthority(h.svc.Authority, h.defaultTenant))

	// 终端用户认证路由
	auth := api.Group("/auth")
	auth.Post("/activate", h.HandleActivate)
	auth.Post("/reactivate", h.HandleReactivate)
	auth.Post("/login", h.HandleLogin)
	auth.Post("/logout", h.HandleLogout)
	auth.Post("/validate-token", h.HandleValidateToken)

	api.Post("/activity", authed, h.HandleActivity)

	// 工单
	api.Post("/tickets", middleware.OptionalAuth(h.svc.Gateway), h.HandleCreateTicket)
	api.Get("/tickets/mine", authed, h.HandleMyTickets)
	api.Get("/tickets/inbox", authed, h.HandleInbox)
	api.Post("/tickets/inbox/:id/read", authed, h.HandleMarkRead)
	api.Delete("/tickets/:id", authed, h.HandleDeleteTicket)

	api.Post("/admin/login", h.HandleAdminLogin)

	// 管理员专用路由
	admin := api.Group("/admin", authed, middleware.AdminOnly())
	admin.Get("/accounts", h.HandleListAccounts)
	admin.Get("/accounts/:id", h.HandleGetAccount)
	admin.Post("/accounts/:id/block", h.HandleBlockAccount)
	admin.Post("/accounts/:id/unblock", h.HandleUnblockAccount)
	admin.Post("/accounts/:id/reset-device", h.HandleResetDevice)
	admin.Delete("/accounts/:id", h.HandleDeleteAccount)
	admin.Post("/local-users", h.HandleCreateLocalUser)

	admin.Get("/keys", h.HandleListKeys)
	admin.Post("/keys", h.HandleIssueKeys)
	admin.Get("/keys/:key/events", h.HandleKeyEvents)
	admin.Post("/keys/:key/revoke", h.HandleRevokeKey)
	admin.Delete("/keys/:key", h.HandleDeleteKey)

	admin.Get("/quota", h.HandleGetQuota)
	admin.Put("/quota", h.HandleSetQuota)

	admin.Get("/orphans", h.HandleListOrphans)
	admin.Post("/orphans/scan", h.HandleScanOrphans)
	admin.Post("/orphans/:id/resolve", h.HandleResolveOrphan)

	admin.Get("/hubs", h.HandleListHubs)
	admin.Post("/hubs", h.HandleCreateHub)
	admin.Get("/hubs/:tenant", h.HandleGetHub)
	admin.Post("/hubs/:tenant/start", h.HandleStartHub)
	admin.Post("/hubs/:tenant/drain", h.HandleDrainHub)
	admin.Post("/hubs/:tenant/reset", h.HandleResetHub)
	admin.Post("/hubs/:tenant/export", h.HandleExportHub)
	admin.Get("/hubs/:tenant/master-keys", h.HandleMasterKeys)

	admin.Get("/statistics", h.HandleStatistics)
	admin.Get("/logs", h.HandleGetLogs)
	admin.Get("/login-logs", h.HandleGetLoginLogs)

	admin.Get("/tickets", h.HandleListTickets)
	admin.Post("/tickets/:id/start", h.HandleStartTicket)
	admin.Post("/tickets/:id/reply", h.HandleReplyTicket)
	admin.Post("/tickets/:id/close", h.HandleCloseTicket)
}

// ErrorHandler 兜底处理未被路由捕获的错误
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error":   strings.ToUpper(strings.ReplaceAll(fe.Message, " ", "_")),
			"message": fe.Message,
		})
	}
	return middleware.Reject(c, err)
}

func (h *Handler) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// bind 解析请求体并执行结构体校验
func (h *Handler) bind(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fmt.Errorf("%w: malformed request body", service.ErrInvalidInput)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", service.ErrInvalidInput, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

// page 获取分页参数, 限制页面大小
func page(c *fiber.Ctx) (int, int) {
	p, _ := strconv.Atoi(c.Query("page", "1"))
	size, _ := strconv.Atoi(c.Query("page_size", "20"))
	if size > 100 {
		size = 100
	}
	return p, size
}

func subjectID(c *fiber.Ctx) string {
	if id := middleware.IdentityFrom(c); id != nil {
		return id.SubjectID
	}
	return ""
}

func badQuery(name string) error {
	return fmt.Errorf("%w: invalid %s", service.ErrInvalidInput, name)
}
