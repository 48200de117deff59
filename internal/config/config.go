package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Strava
	StravaClientID     string
	StravaClientSecret string
	StravaAPIBaseURL   string
	StravaTokenURL     string
	StravaShortLimit   int
	StravaDailyLimit   int

	// Webhook
	WebhookVerifyToken        string
	WebhookProcessTimeout     time.Duration
	WebhookEventRetentionDays int

	// Token
	TokenEncryptionKey string

	// Bearer auth
	JWTSecret string
	JWTIssuer string

	// Sync
	SyncInterval          time.Duration
	SyncCooldown          time.Duration
	WebhookCooldown       time.Duration
	SyncMaxUsersPerBatch  int
	SyncCallsPerUser      int
	SyncUserDelay         time.Duration
	SyncDetailDelay       time.Duration
	RateLimitManualSync   int
	PlatformClientTimeout time.Duration
	// ServeRunsScheduler はserveプロセス内でバッチ同期とクリーンアップも実行するかを示す。
	// 呼び出し枠のカウンタはプロセス内にあるため、workerと併用しないこと。
	ServeRunsScheduler bool

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.StravaClientID = os.Getenv("STRAVA_CLIENT_ID")
	if cfg.StravaClientID == "" {
		missing = append(missing, "STRAVA_CLIENT_ID")
	}

	cfg.StravaClientSecret = os.Getenv("STRAVA_CLIENT_SECRET")
	if cfg.StravaClientSecret == "" {
		missing = append(missing, "STRAVA_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.StravaAPIBaseURL = getEnvString("STRAVA_API_BASE_URL", "https://www.strava.com/api/v3")
	cfg.StravaTokenURL = getEnvString("STRAVA_TOKEN_URL", "https://www.strava.com/oauth/token")
	cfg.StravaShortLimit = getEnvInt("STRAVA_SHORT_LIMIT", 200)
	cfg.StravaDailyLimit = getEnvInt("STRAVA_DAILY_LIMIT", 2000)
	cfg.WebhookVerifyToken = os.Getenv("STRAVA_WEBHOOK_VERIFY_TOKEN")
	cfg.WebhookProcessTimeout = getEnvDuration("WEBHOOK_PROCESS_TIMEOUT", 60*time.Second)
	cfg.WebhookEventRetentionDays = getEnvInt("WEBHOOK_EVENT_RETENTION_DAYS", 30)
	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTIssuer = os.Getenv("JWT_ISSUER")
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 6*time.Hour)
	cfg.SyncCooldown = getEnvDuration("SYNC_COOLDOWN", 12*time.Hour)
	cfg.WebhookCooldown = getEnvDuration("WEBHOOK_COOLDOWN", 24*time.Hour)
	cfg.SyncMaxUsersPerBatch = getEnvInt("SYNC_MAX_USERS_PER_BATCH", 50)
	cfg.SyncCallsPerUser = getEnvInt("SYNC_CALLS_PER_USER", 7)
	cfg.SyncUserDelay = getEnvDuration("SYNC_USER_DELAY", 10*time.Second)
	cfg.SyncDetailDelay = getEnvDuration("SYNC_DETAIL_DELAY", time.Second)
	cfg.RateLimitManualSync = getEnvInt("RATE_LIMIT_MANUAL_SYNC", 6)
	cfg.PlatformClientTimeout = getEnvDuration("STRAVA_HTTP_TIMEOUT", 15*time.Second)
	cfg.ServeRunsScheduler = getEnvBool("SERVE_RUN_SCHEDULER", true)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if cfg.StravaShortLimit <= 0 || cfg.StravaDailyLimit <= 0 {
		return nil, errors.New("STRAVA_SHORT_LIMIT and STRAVA_DAILY_LIMIT must be positive")
	}

	return cfg, nil
}

// ValidateServe はAPIサーバーの起動に必要な設定を検証する。
// bearer tokenの検証鍵がない場合は認証付きエンドポイントを提供できない。
func (c *Config) ValidateServe() error {
	if c.JWTSecret == "" {
		return errors.New("required environment variables are not set: [JWT_SECRET]")
	}
	return nil
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
