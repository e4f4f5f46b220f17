package service

import (
	"context"
	"time"

	"secure-msg-backend/internal/config"
	"secure-msg-backend/internal/metrics"
	"secure-msg-backend/internal/model"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Store 共享的持久化句柄, 通过构造函数注入到每个组件
type Store struct {
	db    *gorm.DB
	locks *Locker
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, locks: NewLocker()}
}

func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) Lock(names ...string) func() {
	return s.locks.Lock(names...)
}

// Publisher 领域事件出口, 例如 NATS
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// RevocationCache 已吊销会话的外部副本, 例如 Redis
type RevocationCache interface {
	MarkRevoked(ctx context.Context, sessionID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// ExportSink 接收 hub 启动时导出的 Master Key List 快照
type ExportSink interface {
	PushSnapshot(ctx context.Context, tenantID string, entries []model.MasterKeyEntry) error
}

type Options struct {
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Events      Publisher
	Revocations RevocationCache
	Prober      Prober
	Exports     ExportSink
	Clock       func() time.Time
}

// base 各组件共用的依赖
type base struct {
	store   *Store
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  Publisher
	clock   func() time.Time
}

func (b *base) now() time.Time {
	return b.clock().UTC()
}

// publish 事件发布失败只记录日志, 不影响已提交的状态
func (b *base) publish(ctx context.Context, event string, payload any) {
	if b.events == nil {
		return
	}
	if err := b.events.Publish(ctx, event, payload); err != nil {
		b.log.Warn().Err(err).Str("event", event).Msg("publish event failed")
	}
}

// Services 组装后的全部业务组件
type Services struct {
	Store     *Store
	Keys      *KeyRegistry
	Bindings  *DeviceBindingStore
	Quotas    *QuotaEnforcer
	Sessions  *SessionStore
	Gateway   *Gateway
	Authority *ModeAuthority
	Admin     *Admin
	Tickets   *Tickets
	Audit     *AuditLog
	Stats     *Statistics
}

func New(store *Store, cfg *config.Config, opts Options) *Services {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	b := &base{
		store:   store,
		cfg:     cfg,
		log:     opts.Logger,
		metrics: opts.Metrics,
		events:  opts.Events,
		clock:   opts.Clock,
	}

	s := &Services{Store: store}
	s.Audit = &AuditLog{base: b}
	s.Keys = &KeyRegistry{base: b}
	s.Quotas = &QuotaEnforcer{base: b}
	s.Sessions = &SessionStore{
		base:        b,
		signer:      newSigner(cfg.Auth.JWTSecret),
		revocations: opts.Revocations,
	}
	s.Bindings = &DeviceBindingStore{base: b, sessions: s.Sessions}
	s.Authority = &ModeAuthority{
		base:    b,
		prober:  opts.Prober,
		exports: opts.Exports,
		quotas:  s.Quotas,
		audit:   s.Audit,
		probes:  make(map[string]probeResult),
	}
	s.Gateway = &Gateway{
		base:     b,
		keys:     s.Keys,
		bindings: s.Bindings,
		quotas:   s.Quotas,
		sessions: s.Sessions,
	}
	s.Admin = &Admin{
		base:     b,
		keys:     s.Keys,
		bindings: s.Bindings,
		quotas:   s.Quotas,
		sessions: s.Sessions,
		audit:    s.Audit,
	}
	s.Tickets = &Tickets{base: b, audit: s.Audit}
	s.Stats = &Statistics{base: b}
	return s
}
