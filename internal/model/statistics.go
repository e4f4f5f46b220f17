package model

// SeatUsage 租户席位使用情况
type SeatUsage struct {
	TenantID string `json:"tenant_id"`
	Allowed  int    `json:"allowed"`
	Used     int    `json:"used"`
}

// LicenseStatistics 许可证统计信息
type LicenseStatistics struct {
	TotalLicenses    int64          `json:"total_licenses"`
	UnusedLicenses   int64          `json:"unused_licenses"`
	ActiveLicenses   int64          `json:"active_licenses"`
	ExpiredLicenses  int64          `json:"expired_licenses"`
	RevokedLicenses  int64          `json:"revoked_licenses"`
	LicensesByTier   map[string]int `json:"licenses_by_tier"`
	TotalAccounts    int64          `json:"total_accounts"`
	BlockedAccounts  int64          `json:"blocked_accounts"`
	OpenOrphans      int64          `json:"open_orphans"`
	Seats            []SeatUsage    `json:"seats"`
	TotalLogins      int64          `json:"total_logins"`
	FailedLogins     int64          `json:"failed_logins"`
	DailyUsage       int64          `json:"daily_usage"`     // 统计截止前 24 小时的使用记录数
	ActiveSessions   int64          `json:"active_sessions"` // 同一窗口内有非注销行为的账户数
	OpenTickets      int64          `json:"open_tickets"`
	InProgressTicket int64          `json:"in_progress_tickets"`
}

// GetLoginSuccessRate 计算登录成功率
func (ls *LicenseStatistics) GetLoginSuccessRate() float64 {
	if ls.TotalLogins == 0 {
		return 0
	}
	return float64(ls.TotalLogins-ls.FailedLogins) / float64(ls.TotalLogins)
}

// GetUsageByTier 获取指定等级的许可证数量
func (ls *LicenseStatistics) GetUsageByTier(tier string) int {
	if count, ok := ls.LicensesByTier[tier]; ok {
		return count
	}
	return 0
}
