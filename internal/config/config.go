package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the booking workers.
type Config struct {
	Env         string
	HTTPPort    string
	LogLevel    string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	PostgresDSN string

	// Shared secrets for protected routes.
	WorkerSecret  string
	ConfirmSecret string

	AllowedOrigins     []string
	TurnstileSecret    string
	TurnstileRequired  bool
	TurnstileVerifyURL string

	TelegramBotToken string
	TelegramChatID   string
	TelegramThreadID string
	TelegramAPIBase  string

	RealtimeRoomURL    string
	RealtimeRoomSecret string

	ReceiptOutputDir   string
	ReceiptMaxBytes    int64
	ReceiptMaxWidth    int
	ReceiptS3Bucket    string
	ReceiptS3Region    string
	ReceiptS3Endpoint  string
	ReceiptS3PathStyle bool

	CollaboratorTimeout time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	// Business constants.
	DepositPercent      float64
	DepositRoundStep    float64
	PointsRate          float64
	EventIdempotencyTTL time.Duration
	IntentTTL           time.Duration
	StrictStatus        bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:     getEnvInt("REDIS_DB", 0),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		WorkerSecret:  getEnv("WORKER_SECRET", ""),
		ConfirmSecret: getEnv("CONFIRM_SECRET", ""),

		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		TurnstileSecret:    getEnv("TURNSTILE_SECRET", ""),
		TurnstileRequired:  getEnvBool("TURNSTILE_REQUIRED", false),
		TurnstileVerifyURL: getEnv("TURNSTILE_VERIFY_URL", "https://challenges.cloudflare.com/turnstile/v0/siteverify"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramThreadID: getEnv("TELEGRAM_THREAD_ID", ""),
		TelegramAPIBase:  getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),

		RealtimeRoomURL:    getEnv("REALTIME_ROOM_URL", ""),
		RealtimeRoomSecret: getEnv("REALTIME_ROOM_SECRET", ""),

		ReceiptOutputDir:   getEnv("RECEIPT_OUTPUT_DIR", "./receipts"),
		ReceiptMaxBytes:    int64(getEnvInt("RECEIPT_MAX_BYTES", 10*1024*1024)),
		ReceiptMaxWidth:    getEnvInt("RECEIPT_MAX_WIDTH", 1280),
		ReceiptS3Bucket:    getEnv("RECEIPT_S3_BUCKET", ""),
		ReceiptS3Region:    getEnv("RECEIPT_S3_REGION", "ap-southeast-1"),
		ReceiptS3Endpoint:  getEnv("RECEIPT_S3_ENDPOINT", ""),
		ReceiptS3PathStyle: getEnvBool("RECEIPT_S3_PATH_STYLE", false),

		CollaboratorTimeout: getEnvDuration("COLLABORATOR_TIMEOUT", 10*time.Second),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 5),

		DepositPercent:      getEnvFloat("DEPOSIT_PERCENT", 30),
		DepositRoundStep:    getEnvFloat("DEPOSIT_ROUND_STEP", 500),
		PointsRate:          getEnvFloat("POINTS_RATE", 100),
		EventIdempotencyTTL: getEnvDuration("EVENT_IDEMPOTENCY_TTL", 24*time.Hour),
		IntentTTL:           getEnvDuration("INTENT_TTL", 72*time.Hour),
		StrictStatus:        getEnvBool("STRICT_STATUS", true),
	}
}

// Validate checks ranges of the business constants and TTLs.
func (c Config) Validate() error {
	var errs []error
	if c.DepositPercent <= 0 || c.DepositPercent > 100 {
		errs = append(errs, fmt.Errorf("DEPOSIT_PERCENT must be in (0, 100], got %v", c.DepositPercent))
	}
	if c.DepositRoundStep <= 0 {
		errs = append(errs, fmt.Errorf("DEPOSIT_ROUND_STEP must be positive, got %v", c.DepositRoundStep))
	}
	if c.PointsRate <= 0 {
		errs = append(errs, fmt.Errorf("POINTS_RATE must be positive, got %v", c.PointsRate))
	}
	if c.EventIdempotencyTTL <= 0 {
		errs = append(errs, errors.New("EVENT_IDEMPOTENCY_TTL must be positive"))
	}
	if c.IntentTTL <= 0 {
		errs = append(errs, errors.New("INTENT_TTL must be positive"))
	}
	if c.TurnstileRequired && c.TurnstileSecret == "" {
		errs = append(errs, errors.New("TURNSTILE_REQUIRED is set but TURNSTILE_SECRET is empty"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
