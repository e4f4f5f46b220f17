package middleware

import (
	"context"
	"strings"

	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

const localIdentity = "identity"

type SessionValidator interface {
	Validate(ctx context.Context, token string) (*service.Identity, error)
}

func Auth(v SessionValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearer(c)
		if !ok {
			return Reject(c, service.ErrSessionInvalid)
		}

		// 验证令牌
		id, err := v.Validate(c.UserContext(), token)
		if err != nil {
			return RejectPublic(c, err)
		}

		c.Locals(localIdentity, id)
		return c.Next()
	}
}

// OptionalAuth 有令牌时校验并记录身份, 没有令牌时按匿名请求继续
func OptionalAuth(v SessionValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) == "" {
			return c.Next()
		}
		return Auth(v)(c)
	}
}

func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := IdentityFrom(c)
		if id == nil || !id.IsOperator() || id.Role != "admin" {
			return Reject(c, service.ErrInsufficientPrivile)
		}
		return c.Next()
	}
}

// IdentityFrom 返回当前请求的身份, 匿名请求为 nil
func IdentityFrom(c *fiber.Ctx) *service.Identity {
	id, _ := c.Locals(localIdentity).(*service.Identity)
	return id
}

// bearer 获取 Bearer token
func bearer(c *fiber.Ctx) (string, bool) {
	parts := strings.Split(c.Get(fiber.HeaderAuthorization), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
