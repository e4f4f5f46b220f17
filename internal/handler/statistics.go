package handler

import (
	"time"

	"secure-msg-backend/internal/middleware"
	"secure-msg-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

// HandleStatistics 处理统计信息请求. tenant=* 统计全部租户
func (h *Handler) HandleStatistics(c *fiber.Ctx) error {
	q := service.StatsQuery{TenantID: c.Query("tenant", middleware.AuthorityFrom(c).TenantID)}
	if q.TenantID == "*" {
		q.TenantID = ""
	}

	// 解析日期
	var err error
	if raw := c.Query("start_date"); raw != "" {
		if q.Since, err = time.Parse("2006-01-02", raw); err != nil {
			return middleware.Reject(c, badQuery("start_date, expected YYYY-MM-DD"))
		}
	}
	if raw := c.Query("end_date"); raw != "" {
		if q.Until, err = time.Parse("2006-01-02", raw); err != nil {
			return middleware.Reject(c, badQuery("end_date, expected YYYY-MM-DD"))
		}
		q.Until = q.Until.Add(24*time.Hour - time.Nanosecond)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return middleware.Reject(c, badQuery("date range"))
	}

	stats, err := h.svc.Stats.Compute(c.UserContext(), q)
	if err != nil {
		return middleware.Reject(c, err)
	}
	return c.JSON(fiber.Map{
		"statistics":         stats,
		"login_success_rate": stats.GetLoginSuccessRate(),
	})
}
