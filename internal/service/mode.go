package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"secure-msg-backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Mode string

const (
	ModeCloud   Mode = "CLOUD"
	ModeLANHub  Mode = "LAN_HUB"
	ModeOffline Mode = "OFFLINE"
)

// Authority 单个请求解析出的权威来源, 在请求生命周期内不再改变
type Authority struct {
	Mode       Mode      `json:"mode"`
	TenantID   string    `json:"tenant_id"`
	Draining   bool      `json:"draining"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func CloudAuthority(tenantID string) Authority {
	return Authority{Mode: ModeCloud, TenantID: tenantID}
}

// Permits 云端只接受 CLOUD 来源的账户, hub 只接受 ENTERPRISE 和 LOCAL 账户
func (a Authority) Permits(origin model.Origin) bool {
	if a.Mode == ModeCloud {
		return origin == model.OriginCloud
	}
	return origin == model.OriginEnterprise || origin == model.OriginLocal
}

// AccountOrigin 在该权威下激活的账户来源
func (a Authority) AccountOrigin() model.Origin {
	if a.Mode == ModeCloud {
		return model.OriginCloud
	}
	return model.OriginEnterprise
}

// CheckMutation OFFLINE 只允许登录
func (a Authority) CheckMutation() error {
	if a.Mode == ModeOffline {
		return ErrAuthorityOffline
	}
	return nil
}

// CheckProvisioning 新增账户还要求 hub 不在 DRAINING
func (a Authority) CheckProvisioning() error {
	if err := a.CheckMutation(); err != nil {
		return err
	}
	if a.Draining {
		return ErrHubDraining
	}
	return nil
}

// WantsLAN 解析客户端保存的模式偏好
func WantsLAN(pref string) bool {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "lan", "lan_hub", "lan-hub", "hub":
		return true
	}
	return false
}

type probeResult struct {
	err error
	at  time.Time
}

// ModeAuthority 决定请求由云端还是局域网 hub 负责, 并管理 hub 生命周期
type ModeAuthority struct {
	*base
	prober  Prober
	exports ExportSink
	quotas  *QuotaEnforcer
	audit   *AuditLog

	mu     sync.Mutex
	probes map[string]probeResult
}

type HubSpec struct {
	TenantID  string
	BundleID  string
	Seats     int
	HealthURL string
}

// ExportResult Master Key List 的一次时间点快照
type ExportResult struct {
	ExportID   string                 `json:"export_id"`
	TenantID   string                 `json:"tenant_id"`
	ExportedAt time.Time              `json:"exported_at"`
	Quota      model.Quota            `json:"quota"`
	Entries    []model.MasterKeyEntry `json:"entries"`
}

// Resolve 根据租户的 hub 状态和客户端偏好解析权威来源
func (m *ModeAuthority) Resolve(ctx context.Context, tenantID, pref string) (Authority, error) {
	now := m.now()
	auth := Authority{Mode: ModeCloud, TenantID: tenantID, ResolvedAt: now}
	if !WantsLAN(pref) {
		return auth, nil
	}

	hub, err := m.Hub(ctx, tenantID)
	if errors.Is(err, ErrHubNotFound) {
		return auth, nil
	}
	if err != nil {
		return auth, err
	}

	if hub.State == model.HubCreated {
		auth.Mode = ModeOffline
		return auth, nil
	}
	if err := m.reachable(ctx, hub, now); err != nil {
		m.log.Debug().Err(err).Str("tenant", tenantID).Msg("hub unreachable")
		auth.Mode = ModeOffline
		return auth, nil
	}
	auth.Mode = ModeLANHub
	auth.Draining = hub.State == model.HubDraining
	return auth, nil
}

// reachable 探测结果在 stale_after 窗口内复用
func (m *ModeAuthority) reachable(ctx context.Context, hub *model.Hub, now time.Time) error {
	if hub.HealthURL == "" || m.prober == nil {
		return nil
	}
	m.mu.Lock()
	cached, ok := m.probes[hub.TenantID]
	m.mu.Unlock()
	if ok && now.Sub(cached.at) < m.cfg.Hub.StaleAfter {
		return cached.err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Hub.ProbeTimeout)
	defer cancel()
	err := m.prober.Probe(probeCtx, hub.HealthURL)

	m.mu.Lock()
	m.probes[hub.TenantID] = probeResult{err: err, at: now}
	m.mu.Unlock()
	return err
}

func (m *ModeAuthority) forget(tenantID string) {
	m.mu.Lock()
	delete(m.probes, tenantID)
	m.mu.Unlock()
}

func (m *ModeAuthority) Hub(ctx context.Context, tenantID string) (*model.Hub, error) {
	var hub model.Hub
	if err := m.store.DB(ctx).Where("tenant_id = ?", tenantID).First(&hub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHubNotFound
		}
		return nil, err
	}
	return &hub, nil
}

func (m *ModeAuthority) Hubs(ctx context.Context) ([]model.Hub, error) {
	var hubs []model.Hub
	err := m.store.DB(ctx).Order("created_at ASC").Find(&hubs).Error
	return hubs, err
}

// CreateHub 登记 hub 并设置其席位配额
func (m *ModeAuthority) CreateHub(ctx context.Context, operatorID string, spec HubSpec) (*model.Hub, error) {
	spec.TenantID = strings.TrimSpace(spec.TenantID)
	if spec.TenantID == "" || spec.Seats < 0 {
		return nil, fmt.Errorf("%w: tenant and non-negative seats required", ErrInvalidInput)
	}
	unlock := m.store.Lock(hubLock(spec.TenantID), quotaLock(spec.TenantID))
	defer unlock()

	now := m.now()
	hub := &model.Hub{
		TenantID:  spec.TenantID,
		BundleID:  spec.BundleID,
		HealthURL: spec.HealthURL,
		State:     model.HubCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Hub{}).Where("tenant_id = ?", spec.TenantID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrHubExists
		}
		if err := tx.Create(hub).Error; err != nil {
			return err
		}
		if _, err := m.quotas.setAllowedTx(tx, spec.TenantID, spec.Seats, now); err != nil {
			return err
		}
		return m.audit.recordTx(tx, operatorID, spec.TenantID, "create_hub", "hub", spec.TenantID,
			map[string]interface{}{"bundle_id": spec.BundleID, "seats": spec.Seats}, now)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("tenant", hub.TenantID).Str("bundle", hub.BundleID).Int("seats", spec.Seats).Msg("hub created")
	m.publish(ctx, "hub.created", hub)
	return hub, nil
}

// StartHub 启动 hub 并在 quota 锁内导出快照
func (m *ModeAuthority) StartHub(ctx context.Context, operatorID, tenantID string) (*ExportResult, error) {
	return m.transitionAndExport(ctx, operatorID, "start_hub", tenantID, func(hub *model.Hub) error {
		if hub.State == model.HubStarted {
			return fmt.Errorf("%w: hub already started", ErrHubState)
		}
		return nil
	}, model.HubStarted)
}

// Export 手动重新导出, hub 必须处于运行状态
func (m *ModeAuthority) Export(ctx context.Context, operatorID, tenantID string) (*ExportResult, error) {
	return m.transitionAndExport(ctx, operatorID, "export_hub", tenantID, func(hub *model.Hub) error {
		if hub.State == model.HubCreated {
			return fmt.Errorf("%w: hub not started", ErrHubState)
		}
		return nil
	}, "")
}

func (m *ModeAuthority) transitionAndExport(ctx context.Context, operatorID, action, tenantID string, check func(*model.Hub) error, next model.HubState) (*ExportResult, error) {
	unlock := m.store.Lock(hubLock(tenantID), quotaLock(tenantID))
	defer unlock()

	now := m.now()
	var result *ExportResult
	err := m.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var hub model.Hub
		if err := tx.Where("tenant_id = ?", tenantID).First(&hub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHubNotFound
			}
			return err
		}
		if err := check(&hub); err != nil {
			return err
		}
		updates := map[string]interface{}{"last_export_at": now, "updated_at": now}
		if next != "" {
			updates["state"] = next
			if next == model.HubStarted {
				updates["started_at"] = now
			}
		}
		if err := tx.Model(&model.Hub{}).Where("tenant_id = ?", tenantID).Updates(updates).Error; err != nil {
			return err
		}
		var err error
		if result, err = m.exportTx(tx, tenantID, now); err != nil {
			return err
		}
		return m.audit.recordTx(tx, operatorID, tenantID, action, "hub", tenantID,
			map[string]interface{}{"export_id": result.ExportID, "entries": len(result.Entries)}, now)
	})
	if err != nil {
		return nil, err
	}
	m.forget(tenantID)

	if m.exports != nil {
		if err := m.exports.PushSnapshot(ctx, tenantID, result.Entries); err != nil {
			m.log.Error().Err(err).Str("tenant", tenantID).Msg("push master key list failed")
		}
	}
	m.log.Info().Str("tenant", tenantID).Str("export", result.ExportID).
		Int("entries", len(result.Entries)).Int("seats_used", result.Quota.Used).Msg("master key list exported")
	m.publish(ctx, "hub.exported", map[string]interface{}{
		"tenant_id":  tenantID,
		"export_id":  result.ExportID,
		"entries":    len(result.Entries),
		"seats_used": result.Quota.Used,
	})
	return result, nil
}

// exportTx 在调用方的事务内生成快照并替换上一版 Master Key List
func (m *ModeAuthority) exportTx(tx *gorm.DB, tenantID string, now time.Time) (*ExportResult, error) {
	var keys []model.License
	if err := tx.Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&keys).Error; err != nil {
		return nil, err
	}
	var accounts []model.Account
	if err := tx.Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	quota, err := m.quotas.getTx(tx, tenantID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]model.Account, len(accounts))
	for _, acc := range accounts {
		byKey[acc.LicenseKey] = append(byKey[acc.LicenseKey], acc)
	}

	exportID := uuid.NewString()
	entries := make([]model.MasterKeyEntry, 0, len(keys))
	for _, lic := range keys {
		entry := model.MasterKeyEntry{
			HubTenantID: tenantID,
			ExportID:    exportID,
			KeyCode:     lic.KeyCode,
			Status:      lic.Status,
			Tier:        lic.Tier,
			Origin:      lic.Origin,
			ExpiresAt:   lic.ExpiresAt,
			ExportedAt:  now,
		}
		owners := byKey[lic.KeyCode]
		if len(owners) == 0 {
			entries = append(entries, entry)
			continue
		}
		for _, acc := range owners {
			e := entry
			e.Username = acc.Username
			e.AccountID = acc.ID
			entries = append(entries, e)
		}
	}

	if err := tx.Where("hub_tenant_id = ?", tenantID).Delete(&model.MasterKeyEntry{}).Error; err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := tx.CreateInBatches(entries, 100).Error; err != nil {
			return nil, fmt.Errorf("write master key list: %w", err)
		}
	}
	return &ExportResult{
		ExportID:   exportID,
		TenantID:   tenantID,
		ExportedAt: now,
		Quota:      quota,
		Entries:    entries,
	}, nil
}

// MasterKeyList 最近一次导出的内容
func (m *ModeAuthority) MasterKeyList(ctx context.Context, tenantID string) ([]model.MasterKeyEntry, error) {
	var entries []model.MasterKeyEntry
	err := m.store.DB(ctx).Where("hub_tenant_id = ?", tenantID).Order("id ASC").Find(&entries).Error
	return entries, err
}

// DrainHub 停止接收新激活, 登录继续可用
func (m *ModeAuthority) DrainHub(ctx context.Context, operatorID, tenantID string) (*model.Hub, error) {
	unlock := m.store.Lock(hubLock(tenantID))
	defer unlock()

	now := m.now()
	drained := true
	err := m.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Hub{}).
			Where("tenant_id = ? AND state = ?", tenantID, model.HubStarted).
			Updates(map[string]interface{}{"state": model.HubDraining, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			drained = false
			return nil
		}
		return m.audit.recordTx(tx, operatorID, tenantID, "drain_hub", "hub", tenantID, nil, now)
	})
	if err != nil {
		return nil, err
	}
	if !drained {
		if _, err := m.Hub(ctx, tenantID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: only a started hub can drain", ErrHubState)
	}
	m.forget(tenantID)
	m.publish(ctx, "hub.drained", map[string]string{"tenant_id": tenantID})
	return m.Hub(ctx, tenantID)
}

// ResetHub 清空租户的账户, 绑定, 会话, 密钥和导出记录, hub 回到 CREATED
func (m *ModeAuthority) ResetHub(ctx context.Context, operatorID, tenantID string) (*model.Hub, error) {
	if _, err := m.Hub(ctx, tenantID); err != nil {
		return nil, err
	}
	var ids []string
	if err := m.store.DB(ctx).Model(&model.Account{}).Where("tenant_id = ?", tenantID).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	names := []string{hubLock(tenantID), quotaLock(tenantID)}
	for _, id := range ids {
		names = append(names, accountLock(id))
	}
	unlock := m.store.Lock(names...)
	defer unlock()

	now := m.now()
	err := m.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var accountIDs []string
		if err := tx.Model(&model.Account{}).Where("tenant_id = ?", tenantID).Pluck("id", &accountIDs).Error; err != nil {
			return err
		}
		if len(accountIDs) > 0 {
			if err := tx.Where("subject_id IN ?", accountIDs).Delete(&model.Session{}).Error; err != nil {
				return err
			}
		}
		steps := []struct {
			query string
			model interface{}
		}{
			{"tenant_id = ?", &model.DeviceBinding{}},
			{"tenant_id = ?", &model.Account{}},
			{"tenant_id = ?", &model.License{}},
			{"hub_tenant_id = ?", &model.MasterKeyEntry{}},
		}
		for _, st := range steps {
			if err := tx.Where(st.query, tenantID).Delete(st.model).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&model.ActivationOrphan{}).
			Where("tenant_id = ? AND resolved_at IS NULL", tenantID).
			Updates(map[string]interface{}{"resolved_at": now, "resolution": "reset"}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Quota{}).Where("tenant_id = ?", tenantID).
			Updates(map[string]interface{}{"used": 0, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Hub{}).Where("tenant_id = ?", tenantID).Updates(map[string]interface{}{
			"state":          model.HubCreated,
			"started_at":     nil,
			"last_export_at": nil,
			"updated_at":     now,
		}).Error; err != nil {
			return err
		}
		return m.audit.recordTx(tx, operatorID, tenantID, "reset_hub", "hub", tenantID,
			map[string]int{"accounts": len(accountIDs)}, now)
	})
	if err != nil {
		return nil, err
	}
	m.forget(tenantID)
	if m.metrics != nil {
		m.metrics.SeatsUsed(tenantID, 0)
	}
	m.log.Warn().Str("tenant", tenantID).Int("accounts", len(ids)).Msg("hub reset")
	m.publish(ctx, "hub.reset", map[string]string{"tenant_id": tenantID})
	return m.Hub(ctx, tenantID)
}
