package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	BaseURL    string
	LogLevel   string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitBooking int

	// Booking
	CancellationWindow            time.Duration
	MaxSessionMinutes             int
	ExternalCalendarFailurePolicy string

	// Google APIs
	GoogleCredentialsFile string // サービスアカウントキー（JSON）のパス
	GoogleUseADC          bool   // Application Default Credentials を使う
	GoogleSubject         string // ドメイン全体の委任で代理実行するユーザー
	GoogleCalendarID      string
	GoogleAPIRate         float64
	DocsTemplateID        string
	DocsParentFolderID    string
	DocsIndexID           string

	// Mail
	SendGridAPIKey string
	MailFrom       string
	MailFromName   string

	// Side effects
	EffectsWorkers     int
	EffectsQueueSize   int
	EffectsMaxAttempts int
	BulkItemDelay      time.Duration
	SweepInterval      time.Duration

	// Reminder
	ReminderLeadTime time.Duration
	ReminderInterval time.Duration

	// Cleanup
	JobRetentionDays int
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがある場合は先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBooking = getEnvInt("RATE_LIMIT_BOOKING", 30)
	cfg.CancellationWindow = getEnvDuration("CANCELLATION_WINDOW", 24*time.Hour)
	cfg.MaxSessionMinutes = getEnvInt("MAX_SESSION_MINUTES", 180)
	cfg.ExternalCalendarFailurePolicy = getEnvString("EXTERNAL_CALENDAR_FAILURE_POLICY", "warn")
	cfg.GoogleCredentialsFile = getEnvString("GOOGLE_CREDENTIALS_FILE", "")
	cfg.GoogleUseADC = getEnvBool("GOOGLE_USE_ADC", false)
	cfg.GoogleSubject = getEnvString("GOOGLE_SUBJECT", "")
	cfg.GoogleCalendarID = getEnvString("GOOGLE_CALENDAR_ID", "primary")
	cfg.GoogleAPIRate = getEnvFloat("GOOGLE_API_RATE", 5)
	cfg.DocsTemplateID = getEnvString("DOCS_TEMPLATE_ID", "")
	cfg.DocsParentFolderID = getEnvString("DOCS_PARENT_FOLDER_ID", "")
	cfg.DocsIndexID = getEnvString("DOCS_INDEX_ID", "")
	cfg.SendGridAPIKey = getEnvString("SENDGRID_API_KEY", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "no-reply@example.com")
	cfg.MailFromName = getEnvString("MAIL_FROM_NAME", "Lessonbook")
	cfg.EffectsWorkers = getEnvInt("EFFECTS_WORKERS", 2)
	cfg.EffectsQueueSize = getEnvInt("EFFECTS_QUEUE_SIZE", 100)
	cfg.EffectsMaxAttempts = getEnvInt("EFFECTS_MAX_ATTEMPTS", 5)
	cfg.BulkItemDelay = getEnvDuration("BULK_ITEM_DELAY", 2*time.Second)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.ReminderLeadTime = getEnvDuration("REMINDER_LEAD_TIME", 24*time.Hour)
	cfg.ReminderInterval = getEnvDuration("REMINDER_INTERVAL", 10*time.Minute)
	cfg.JobRetentionDays = getEnvInt("JOB_RETENTION_DAYS", 30)

	return cfg, nil
}

// GoogleEnabled はGoogle API連携（カレンダー・ドキュメント）が設定されているかを返す。
// サービスアカウントキーのパスか、ADCの利用が指定されている場合に有効となる。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleCredentialsFile != "" || c.GoogleUseADC
}

// loadDotEnv は.envファイルを読み込む。ファイルが無い場合は何もしない。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
