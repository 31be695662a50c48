package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig は1プロバイダー分のOAuthクライアント設定。
// ClientIDが空のプロバイダーは登録しない。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	APIBaseURL   string // 空ならプロバイダー既定値
	TokenURL     string // 空ならプロバイダー既定値
}

// Enabled はプロバイダーを登録するかどうかを返す。
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// OAuth state
	StateSecret string
	StateMaxAge time.Duration

	// Providers
	Strava              ProviderConfig
	Fitbit              ProviderConfig
	ProviderHTTPTimeout time.Duration

	// Sync
	SyncTimeout        time.Duration
	SyncMaxRetries     int
	SyncInterval       time.Duration
	SyncMaxConcurrent  int
	SyncStaleAfter     time.Duration
	SyncBatchSize      int
	BulkSyncPerHour    int
	BulkSyncPageSize   int
	MatchMaxCandidates int

	// Rate Limit
	RateLimitGeneral int

	// Cleanup
	SessionCleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定のものをまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.StateSecret = required("STATE_SECRET")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.Strava = loadProvider("STRAVA")
	cfg.Fitbit = loadProvider("FITBIT")
	if !cfg.Strava.Enabled() && !cfg.Fitbit.Enabled() {
		return nil, fmt.Errorf("at least one provider must be configured: STRAVA_CLIENT_ID or FITBIT_CLIENT_ID")
	}
	for name, p := range map[string]ProviderConfig{"STRAVA": cfg.Strava, "FITBIT": cfg.Fitbit} {
		if p.Enabled() && (p.ClientSecret == "" || p.RedirectURL == "") {
			return nil, fmt.Errorf("%s_CLIENT_SECRET and %s_REDIRECT_URL are required when %s_CLIENT_ID is set", name, name, name)
		}
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.StateMaxAge = getEnvDuration("STATE_MAX_AGE", 5*time.Minute)
	cfg.ProviderHTTPTimeout = getEnvDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second)
	cfg.SyncTimeout = getEnvDuration("SYNC_TIMEOUT", 30*time.Second)
	cfg.SyncMaxRetries = getEnvInt("SYNC_MAX_RETRIES", 3)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 15*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 5)
	cfg.SyncStaleAfter = getEnvDuration("SYNC_STALE_AFTER", time.Hour)
	cfg.SyncBatchSize = getEnvInt("SYNC_BATCH_SIZE", 100)
	cfg.BulkSyncPerHour = getEnvInt("BULK_SYNC_PER_HOUR", 6)
	cfg.BulkSyncPageSize = getEnvInt("BULK_SYNC_PAGE_SIZE", 30)
	cfg.MatchMaxCandidates = getEnvInt("MATCH_MAX_CANDIDATES", 200)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	return cfg, nil
}

func loadProvider(prefix string) ProviderConfig {
	return ProviderConfig{
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		RedirectURL:  os.Getenv(prefix + "_REDIRECT_URL"),
		APIBaseURL:   os.Getenv(prefix + "_API_BASE_URL"),
		TokenURL:     os.Getenv(prefix + "_TOKEN_URL"),
	}
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
	if err != nil || i <= 0 {
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
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
