package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"secure-msg-backend/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models 需要自动迁移的模型
var Models = []interface{}{
	&model.License{},
	&model.Account{},
	&model.DeviceBinding{},
	&model.Quota{},
	&model.Session{},
	&model.SupportTicket{},
	&model.InboxMessage{},
	&model.Hub{},
	&model.MasterKeyEntry{},
	&model.ActivationOrphan{},
	&model.KeyEvent{},
	&model.Operator{},
	&model.OperationLog{},
	&model.LoginLog{},
	&model.ActivityLog{},
}

// Open 根据 DSN 选择驱动: postgres:// 使用 PostgreSQL, 其余视为 SQLite 文件路径
func Open(dsn string, maxOpenConns int) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("gorm sql db: %w", err)
		}
		if maxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(maxOpenConns)
			sqlDB.SetMaxIdleConns(maxOpenConns / 2)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
		return db, nil
	}

	// 创建数据目录
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return openSQLite(sqliteDSN(dsn), cfg)
}

// sqliteDSN 追加连接参数, DSN 自带查询串时用 & 连接
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// openSQLite 只允许一个连接, 写操作由数据库连接串行化
func openSQLite(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// SeedAdmin 检查是否已存在管理员账户, 不存在则创建
func SeedAdmin(db *gorm.DB, username, password string, cost int) error {
	var adminCount int64
	if err := db.Model(&model.Operator{}).Where("username = ?", username).Count(&adminCount).Error; err != nil {
		return err
	}
	if adminCount > 0 {
		return nil
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("生成密码哈希失败: %w", err)
	}

	admin := &model.Operator{
		ID:       uuid.NewString(),
		Username: username,
		Password: string(hashedPassword),
		Role:     "admin",
		Status:   "active",
	}
	if err := db.Create(admin).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %w", err)
	}

	log.Info().Str("username", username).Msg("已创建默认管理员账户")
	return nil
}
