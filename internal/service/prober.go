package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Prober 检查 hub 进程是否可达
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber 请求 hub 的 /api/health, 只接受 200
type HTTPProber struct {
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context, url string) error {
	timeout := p.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: probe deadline exceeded", ErrHubUnreachable)
	}

	code, _, errs := fiber.Get(url).Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrHubUnreachable, errs[0])
	}
	if code != fiber.StatusOK {
		return fmt.Errorf("%w: status %d", ErrHubUnreachable, code)
	}
	return nil
}
