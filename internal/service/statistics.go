package service

import (
	"context"
	"time"

	"secure-msg-backend/internal/model"

	"gorm.io/gorm"
)

// Statistics 管理后台统计
type Statistics struct {
	*base
}

type StatsQuery struct {
	TenantID string // 为空时统计全部租户
	Since    time.Time
	Until    time.Time
}

// Compute 在只读事务内计算, 保证席位与账户计数来自同一快照
func (s *Statistics) Compute(ctx context.Context, q StatsQuery) (*model.LicenseStatistics, error) {
	if q.Until.IsZero() {
		q.Until = s.now()
	}
	if q.Since.IsZero() {
		q.Since = q.Until.AddDate(0, 0, -30)
	}

	stats := &model.LicenseStatistics{LicensesByTier: make(map[string]int)}
	err := s.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := func(m interface{}) *gorm.DB {
			db := tx.Model(m)
			if q.TenantID != "" {
				db = db.Where("tenant_id = ?", q.TenantID)
			}
			return db
		}

		// 许可证
		if err := scoped(&model.License{}).Count(&stats.TotalLicenses).Error; err != nil {
			return err
		}
		statusCounts := []struct {
			status model.KeyStatus
			dest   *int64
		}{
			{model.KeyUnused, &stats.UnusedLicenses},
			{model.KeyActive, &stats.ActiveLicenses},
			{model.KeyExpired, &stats.ExpiredLicenses},
			{model.KeyRevoked, &stats.RevokedLicenses},
		}
		for _, sc := range statusCounts {
			if err := scoped(&model.License{}).Where("status = ?", sc.status).Count(sc.dest).Error; err != nil {
				return err
			}
		}
		var tiers []struct {
			Tier string
			N    int
		}
		if err := scoped(&model.License{}).Select("tier, count(*) as n").Group("tier").Scan(&tiers).Error; err != nil {
			return err
		}
		for _, t := range tiers {
			stats.LicensesByTier[t.Tier] = t.N
		}

		// 账户
		if err := scoped(&model.Account{}).Count(&stats.TotalAccounts).Error; err != nil {
			return err
		}
		if err := scoped(&model.Account{}).Where("blocked = ?", true).Count(&stats.BlockedAccounts).Error; err != nil {
			return err
		}
		if err := scoped(&model.ActivationOrphan{}).Where("resolved_at IS NULL").Count(&stats.OpenOrphans).Error; err != nil {
			return err
		}
		var seats []model.Quota
		if err := scoped(&model.Quota{}).Order("tenant_id ASC").Find(&seats).Error; err != nil {
			return err
		}
		for _, quota := range seats {
			stats.Seats = append(stats.Seats, model.SeatUsage{TenantID: quota.TenantID, Allowed: quota.Allowed, Used: quota.Used})
		}

		// 登录
		if err := scoped(&model.LoginLog{}).Where("created_at BETWEEN ? AND ?", q.Since, q.Until).
			Count(&stats.TotalLogins).Error; err != nil {
			return err
		}
		if err := scoped(&model.LoginLog{}).Where("created_at BETWEEN ? AND ? AND status = ?", q.Since, q.Until, "failed").
			Count(&stats.FailedLogins).Error; err != nil {
			return err
		}

		// 最近 24 小时活跃度
		dayStart := q.Until.Add(-24 * time.Hour)
		if err := scoped(&model.ActivityLog{}).Where("created_at > ? AND created_at <= ?", dayStart, q.Until).
			Count(&stats.DailyUsage).Error; err != nil {
			return err
		}
		if err := scoped(&model.ActivityLog{}).Where("created_at > ? AND created_at <= ? AND action <> ?", dayStart, q.Until, "logout").
			Distinct("account_id").Count(&stats.ActiveSessions).Error; err != nil {
			return err
		}

		// 工单
		var err error
		stats.OpenTickets, stats.InProgressTicket, err = openCounts(tx, q.TenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
