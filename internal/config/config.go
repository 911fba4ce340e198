// Package config centralizes how FieldLedger reads environment variables and
// exposes them as strongly typed Go values. A single *Config is built once in
// main and handed to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DrainPolicy decides what happens to a queued record whose delivery failed
// during a drain.
type DrainPolicy string

const (
	// PolicyDeadLetter marks the record failed; it is kept for inspection and
	// only re-sent by an operator.
	PolicyDeadLetter DrainPolicy = "dead-letter"
	// PolicyRetry puts the record back in the queue with exponential backoff
	// until MaxAttempts is reached.
	PolicyRetry DrainPolicy = "retry"
)

// QueueBackend selects the durable queue implementation.
type QueueBackend string

const (
	BackendPostgres QueueBackend = "postgres"
	// BackendMemory keeps the queue in process memory. Records do not survive
	// a restart; intended for local runs only.
	BackendMemory QueueBackend = "memory"
)

// Config represents runtime configuration for the bot, the worker and the
// admin CLI.
type Config struct {
	TelegramToken string
	AdminIDs      []int64
	WhitelistPath string
	Timezone      *time.Location

	LogLevel  string
	LogFormat string

	GoogleCredentials string
	SpreadsheetID     string
	LedgerRange       string
	LedgerTimeout     time.Duration

	LLMAPIURL  string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	QueueBackend QueueBackend
	DatabaseURL  string

	Drain DrainConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OpsAddress string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool
}

// DrainConfig tunes the drain loop failure policy and the scheduled drain.
type DrainConfig struct {
	Policy        DrainPolicy
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	ScheduleDelay time.Duration
}

const (
	defaultWhitelistPath = "./whitelist.json"
	defaultTimezone      = "UTC"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultLedgerRange   = "A:J"
	defaultLedgerTimeout = 15 * time.Second
	defaultLLMAPIURL     = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel      = "tngtech/deepseek-r1t2-chimera:free"
	defaultLLMTimeout    = 30 * time.Second
	defaultMaxAttempts   = 10
	defaultBaseBackoff   = 30 * time.Second
	defaultMaxBackoff    = 30 * time.Minute
	defaultScheduleDelay = time.Minute
	defaultOpsAddress    = ":8090"
	defaultS3Bucket      = "fieldledger-failed"
)

// Load reads configuration from environment variables falling back to
// defaults. A .env file in the working directory is applied first when it
// exists; variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TelegramToken:     readEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:          parseIDList("ADMIN_IDS"),
		WhitelistPath:     readEnv("WHITELIST_PATH", readEnv("WHITELIST_JSON", defaultWhitelistPath)),
		LogLevel:          strings.ToLower(readEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:         strings.ToLower(readEnv("LOG_FORMAT", defaultLogFormat)),
		GoogleCredentials: readEnv("GOOGLE_CREDENTIALS_JSON", ""),
		SpreadsheetID:     readEnv("SPREADSHEET_ID", ""),
		LedgerRange:       readEnv("LEDGER_RANGE", defaultLedgerRange),
		LedgerTimeout:     parseDuration("LEDGER_TIMEOUT", defaultLedgerTimeout),
		LLMAPIURL:         readEnv("LLM_API_URL", defaultLLMAPIURL),
		LLMAPIKey:         readEnv("LLM_API_KEY", readEnv("OPENROUTER_API_KEY", "")),
		LLMModel:          readEnv("LLM_MODEL", defaultLLMModel),
		LLMTimeout:        parseDuration("LLM_TIMEOUT", defaultLLMTimeout),
		QueueBackend:      QueueBackend(strings.ToLower(readEnv("QUEUE_BACKEND", string(BackendPostgres)))),
		DatabaseURL:       readEnv("DATABASE_URL", ""),
		Drain: DrainConfig{
			Policy:        DrainPolicy(strings.ToLower(readEnv("DRAIN_FAILURE_POLICY", string(PolicyDeadLetter)))),
			MaxAttempts:   parseInt("DRAIN_MAX_ATTEMPTS", defaultMaxAttempts),
			BaseBackoff:   parseDuration("DRAIN_BASE_BACKOFF", defaultBaseBackoff),
			MaxBackoff:    parseDuration("DRAIN_MAX_BACKOFF", defaultMaxBackoff),
			ScheduleDelay: parseDuration("DRAIN_SCHEDULE_DELAY", defaultScheduleDelay),
		},
		RedisAddr:     readEnv("REDIS_ADDR", ""),
		RedisPassword: readEnv("REDIS_PASSWORD", ""),
		RedisDB:       parseInt("REDIS_DB", 0),
		OpsAddress:    readEnv("OPS_ADDRESS", defaultOpsAddress),
		S3Endpoint:    readEnv("S3_ENDPOINT", ""),
		S3AccessKey:   readEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:   readEnv("S3_SECRET_KEY", ""),
		S3Bucket:      readEnv("S3_BUCKET", defaultS3Bucket),
		S3Region:      readEnv("S3_REGION", ""),
		S3UseSSL:      parseBool("S3_USE_SSL", true),
	}

	loc, err := time.LoadLocation(readEnv("TIMEZONE", defaultTimezone))
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	cfg.Timezone = loc

	switch cfg.Drain.Policy {
	case PolicyDeadLetter, PolicyRetry:
	default:
		return nil, fmt.Errorf("DRAIN_FAILURE_POLICY: unknown policy %q", cfg.Drain.Policy)
	}
	switch cfg.QueueBackend {
	case BackendPostgres, BackendMemory:
	default:
		return nil, fmt.Errorf("QUEUE_BACKEND: unknown backend %q", cfg.QueueBackend)
	}

	if cfg.Drain.MaxAttempts <= 0 {
		cfg.Drain.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Drain.BaseBackoff <= 0 {
		cfg.Drain.BaseBackoff = defaultBaseBackoff
	}
	if cfg.Drain.MaxBackoff < cfg.Drain.BaseBackoff {
		cfg.Drain.MaxBackoff = cfg.Drain.BaseBackoff
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	return cfg, nil
}

// ValidateBot checks the settings the chat bot cannot start without.
func (c *Config) ValidateBot() error {
	var errs []error
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is not set"))
	}
	if c.SpreadsheetID == "" {
		errs = append(errs, errors.New("SPREADSHEET_ID is not set"))
	}
	if c.GoogleCredentials == "" {
		errs = append(errs, errors.New("GOOGLE_CREDENTIALS_JSON is not set"))
	}
	if err := c.ValidateQueue(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateQueue checks that the selected queue backend can be opened.
func (c *Config) ValidateQueue() error {
	if c.QueueBackend == BackendPostgres && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	return nil
}

// RedisEnabled reports whether the drain lock and scheduler should use Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// IsAdmin reports whether the user may run admin-only chat commands.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// parseIDList reads a comma separated list of numeric ids, skipping blanks and
// anything that is not a number.
func parseIDList(key string) []int64 {
	val := readEnv(key, "")
	if val == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	switch strings.ToLower(readEnv(key, "")) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// parseDuration understands inputs like "5m" or "30s".
func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}
