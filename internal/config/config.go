package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBPath        string
	TelegramToken string

	OpenAIKey        string
	OpenAIModel      string
	OpenAIBaseURL    string
	OpenAIMaxHistory int

	StateTTL     time.Duration
	StateBackend string // sqlite | memory

	HandleTimeout     time.Duration
	InactivityMinutes int
	SweepInterval     time.Duration
	JobRetention      time.Duration
	Workers           int

	WebhookURL    string
	WebhookListen string

	LogLevel slog.Level
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const secretPath = "/run/secrets/telegram_bot_token"

// Load reads the configuration from the environment. Every malformed value
// is reported, not just the first one.
func Load() (Config, error) {
	var errs []error
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := duration(key, def)
		errs = append(errs, err)
		return v
	}
	intVar := func(key string, def int) int {
		v, err := integer(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		DBPath:            env("DB_PATH", "bot.db"),
		TelegramToken:     getBotToken(secretPath),
		OpenAIKey:         env("OPENAI_API_KEY", ""),
		OpenAIModel:       env("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     strings.TrimRight(env("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		OpenAIMaxHistory:  intVar("OPENAI_MAX_HISTORY", 10),
		StateTTL:          durationVar("STATE_TTL", 300*time.Second),
		StateBackend:      env("STATE_BACKEND", BackendSQLite),
		HandleTimeout:     durationVar("HANDLE_TIMEOUT", 10*time.Second),
		InactivityMinutes: intVar("INACTIVITY_MINUTES", 1440),
		SweepInterval:     durationVar("SWEEP_INTERVAL", 10*time.Minute),
		JobRetention:      durationVar("JOB_RETENTION", 24*time.Hour),
		Workers:           intVar("WORKERS", 8),
		WebhookURL:        env("WEBHOOK_URL", ""),
		WebhookListen:     env("WEBHOOK_LISTEN", ":8443"),
	}

	if cfg.TelegramToken == "" {
		errs = append(errs, errors.New("bot token not found: neither docker secret nor TELEGRAM_BOT_TOKEN is set"))
	}
	if cfg.StateBackend != BackendSQLite && cfg.StateBackend != BackendMemory {
		errs = append(errs, fmt.Errorf("STATE_BACKEND: unknown backend %q", cfg.StateBackend))
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return cfg, errors.Join(errs...)
}

func getBotToken(secret string) string {
	if data, err := os.ReadFile(secret); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token
		}
	}
	return strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return def, fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	return n, nil
}
