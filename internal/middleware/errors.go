package middleware

import (
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

// StatusFor 按错误分类映射 HTTP 状态码
func StatusFor(err error) int {
	switch service.KindOf(err) {
	case service.KindValidation:
		return fiber.StatusBadRequest
	case service.KindNotFound:
		return fiber.StatusNotFound
	case service.KindConflict:
		return fiber.StatusConflict
	case service.KindCredentials:
		return fiber.StatusUnauthorized
	case service.KindAuthorization:
		return fiber.StatusForbidden
	case service.KindUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// Reject 输出统一的错误响应
func Reject(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(fiber.Map{
		"error":   service.Code(err),
		"message": err.Error(),
	})
}

// RejectPublic 面向终端用户, 只暴露错误类别
func RejectPublic(c *fiber.Ctx, err error) error {
	return Reject(c, service.Public(err))
}
