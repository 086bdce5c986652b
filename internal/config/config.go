package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Site
	SiteURL         string
	BlogTitle       string
	BlogDisplayName string
	BlogAvatarURL   string

	// Server
	ServerPort    string
	AdminAPIToken string

	// Logging
	LogLevel string

	// Dispatch
	DispatchTimeout   time.Duration
	DispatchWorkers   int
	DispatchQueueSize int

	// Sync
	SyncEnabled          bool
	SyncInterval         time.Duration
	SyncTimeout          time.Duration
	SyncMaxConcurrent    int
	SyncMaxBodySize      int64
	SyncMaxPages         int
	SyncPageSize         int
	SyncFailureThreshold int

	// Subscriber
	SubscriberFailureThreshold int

	// Federation
	FederationAllowedPorts []int

	// Notify
	NotifyWebhookURL string
	NotifyTimeout    time.Duration

	// Rate Limit
	RateLimitSubscribe int
	RateLimitInbox     int
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗しました: %w", err)
	}
	return FromEnv()
}

// FromEnv は現在の環境変数のみからConfigを読み込む。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SiteURL = strings.TrimRight(os.Getenv("SITE_URL"), "/")
	if cfg.SiteURL == "" {
		missing = append(missing, "SITE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if u, err := url.Parse(cfg.SiteURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("SITE_URL must be an absolute http(s) URL: %q", cfg.SiteURL)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.BlogTitle = getEnvString("BLOG_TITLE", "")
	cfg.BlogDisplayName = getEnvString("BLOG_DISPLAY_NAME", "")
	cfg.BlogAvatarURL = getEnvString("BLOG_AVATAR_URL", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AdminAPIToken = getEnvString("ADMIN_API_TOKEN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.DispatchTimeout = getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second)
	cfg.DispatchWorkers = getEnvInt("DISPATCH_WORKERS", 4)
	cfg.DispatchQueueSize = getEnvInt("DISPATCH_QUEUE_SIZE", 256)
	cfg.SyncEnabled = getEnvBool("SYNC_ENABLED", true)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncTimeout = getEnvDuration("SYNC_TIMEOUT", 15*time.Second)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 8)
	cfg.SyncMaxBodySize = getEnvInt64("SYNC_MAX_BODY_SIZE", 5242880)
	cfg.SyncMaxPages = getEnvInt("SYNC_MAX_PAGES", 20)
	cfg.SyncPageSize = getEnvInt("SYNC_PAGE_SIZE", 50)
	cfg.SyncFailureThreshold = getEnvInt("SYNC_FAILURE_THRESHOLD", 10)
	cfg.SubscriberFailureThreshold = getEnvInt("SUBSCRIBER_FAILURE_THRESHOLD", 10)
	cfg.FederationAllowedPorts = getEnvPorts("FEDERATION_ALLOWED_PORTS", []int{80, 443})
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 10)
	cfg.RateLimitInbox = getEnvInt("RATE_LIMIT_INBOX", 60)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvPorts はカンマ区切りのポート番号を読み込む。不正な値は無視し、有効な値がなければデフォルトを返す。
func getEnvPorts(key string, defaultVal []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	ports := lo.FilterMap(strings.Split(v, ","), func(s string, _ int) (int, bool) {
		p, err := strconv.Atoi(strings.TrimSpace(s))
		return p, err == nil && p > 0 && p <= 65535
	})
	if len(ports) == 0 {
		return defaultVal
	}
	return lo.Uniq(ports)
}
