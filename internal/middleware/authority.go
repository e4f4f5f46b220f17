package middleware

import (
	"context"
	"fmt"
	"strings"

	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderMode   = "X-Mode"

	localAuthority = "authority"
)

type AuthorityResolver interface {
	Resolve(ctx context.Context, tenantID, pref string) (service.Authority, error)
}

// ResolveAuthority 每个请求只解析一次权威来源, 之后的处理都使用同一个结果
func ResolveAuthority(resolver AuthorityResolver, defaultTenant string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := strings.TrimSpace(c.Get(HeaderTenant))
		if tenant == "" {
			tenant = defaultTenant
		}
		if len(tenant) > 64 {
			return Reject(c, fmt.Errorf("%w: tenant id too long", service.ErrInvalidInput))
		}

		auth, err := resolver.Resolve(c.UserContext(), tenant, c.Get(HeaderMode))
		if err != nil {
			return Reject(c, err)
		}
		c.Locals(localAuthority, auth)
		c.Set(HeaderMode, string(auth.Mode))
		return c.Next()
	}
}

// AuthorityFrom 读取 ResolveAuthority 写入的权威来源
func AuthorityFrom(c *fiber.Ctx) service.Authority {
	auth, ok := c.Locals(localAuthority).(service.Authority)
	if !ok {
		return service.Authority{Mode: service.ModeOffline}
	}
	return auth
}
