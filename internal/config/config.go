package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const defaultReplyTemplate = "Hallo {username},\n\n[TEXT]\n\nMit freundlichen Grüßen,\nIhr Support-Team"

// Config 服务配置, 先读取 YAML 文件, 再由 SECMSG_* 环境变量覆盖
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Quota    QuotaConfig    `yaml:"quota" envconfig:"QUOTA"`
	Hub      HubConfig      `yaml:"hub" envconfig:"HUB"`
	Sheets   SheetsConfig   `yaml:"sheets" envconfig:"SHEETS"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	NATS     NATSConfig     `yaml:"nats" envconfig:"NATS"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
	Tickets  TicketsConfig  `yaml:"tickets" envconfig:"TICKETS"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr" envconfig:"ADDR"`
	DefaultTenant string `yaml:"default_tenant" envconfig:"DEFAULT_TENANT"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
}

type AuthConfig struct {
	JWTSecret            string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	SessionTTL           time.Duration `yaml:"session_ttl" envconfig:"SESSION_TTL"`
	OfflineSessionTTL    time.Duration `yaml:"offline_session_ttl" envconfig:"OFFLINE_SESSION_TTL"`
	EnforceDevicePinning *bool         `yaml:"enforce_device_pinning" envconfig:"ENFORCE_DEVICE_PINNING"`
	DevicesPerAccount    int           `yaml:"devices_per_account" envconfig:"DEVICES_PER_ACCOUNT"`
	BcryptCost           int           `yaml:"bcrypt_cost" envconfig:"BCRYPT_COST"`
	AdminUsername        string        `yaml:"admin_username" envconfig:"ADMIN_USERNAME"`
	AdminPassword        string        `yaml:"admin_password" envconfig:"ADMIN_PASSWORD"`
}

// DevicePinning 默认开启
func (a AuthConfig) DevicePinning() bool {
	return a.EnforceDevicePinning == nil || *a.EnforceDevicePinning
}

type QuotaConfig struct {
	DefaultSeats *int `yaml:"default_seats" envconfig:"DEFAULT_SEATS"`
}

// Seats 新租户的默认席位数, 未配置时为 1000. 显式配置 0 表示新租户没有席位
func (q QuotaConfig) Seats() int {
	if q.DefaultSeats == nil {
		return 1000
	}
	return *q.DefaultSeats
}

type HubConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	StaleAfter   time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER"`
}

type SheetsConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"ENABLED"`
	CredentialPath string `yaml:"credential_path" envconfig:"CREDENTIAL_PATH"`
	SpreadsheetID  string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName      string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

type NATSConfig struct {
	URL           string `yaml:"url" envconfig:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
}

type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

type TicketsConfig struct {
	ReplyTemplate string `yaml:"reply_template" envconfig:"REPLY_TEMPLATE"`
}

// Load 读取配置文件(可选)和环境变量
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process("SECMSG", cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults 返回仅包含默认值的配置, 未经过校验
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":80"
	}
	if c.Server.DefaultTenant == "" {
		c.Server.DefaultTenant = "public"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "data/secure-msg.db"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 30 * 24 * time.Hour
	}
	if c.Auth.OfflineSessionTTL == 0 {
		c.Auth.OfflineSessionTTL = 12 * time.Hour
	}
	if c.Auth.DevicesPerAccount == 0 {
		c.Auth.DevicesPerAccount = 1
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = 10
	}
	if c.Auth.AdminUsername == "" {
		c.Auth.AdminUsername = "admin"
	}
	if c.Hub.ProbeTimeout == 0 {
		c.Hub.ProbeTimeout = 2 * time.Second
	}
	if c.Hub.StaleAfter == 0 {
		c.Hub.StaleAfter = 15 * time.Second
	}
	if c.Sheets.SheetName == "" {
		c.Sheets.SheetName = "Master Key List"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "securemsg"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Tickets.ReplyTemplate == "" {
		c.Tickets.ReplyTemplate = defaultReplyTemplate
	}
}

func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters")
	}
	if c.Auth.AdminPassword == "" {
		return errors.New("auth.admin_password is required")
	}
	if c.Auth.DevicesPerAccount < 1 {
		return errors.New("auth.devices_per_account must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost %d out of range", c.Auth.BcryptCost)
	}
	if c.Quota.Seats() < 0 {
		return errors.New("quota.default_seats must not be negative")
	}
	if c.Sheets.Enabled && (c.Sheets.CredentialPath == "" || c.Sheets.SpreadsheetID == "") {
		return errors.New("sheets.credential_path and sheets.spreadsheet_id are required when sheets are enabled")
	}
	return nil
}
