package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string
	AllowedOrigin     string
	DatabaseURL       string
	AutoMigrate       bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	IdempotencyTTL    time.Duration
	AuthSecret        string
	AccessTokenTTL    time.Duration
	ManagerPIN        string
	CommitTimeout     time.Duration
	CommitMaxRetries  int
	LogLevel          string
	LogFormat         string
	DefaultTerminalID string
}

// Load reads the environment. Security settings have no defaults; main
// refuses to start without them.
func Load() Config {
	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("IDEMPOTENCY_CACHE_TTL_SECONDS", 86400)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("COMMIT_TIMEOUT_SECONDS", 10)
	v.SetDefault("COMMIT_MAX_RETRIES", 3)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DEFAULT_TERMINAL_ID", "PDV-01")
	for _, key := range []string{"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "AUTH_SECRET", "MANAGER_PIN"} {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	return Config{
		Port:              v.GetString("PORT"),
		AllowedOrigin:     v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:       strings.TrimSpace(v.GetString("DATABASE_URL")),
		AutoMigrate:       v.GetBool("AUTO_MIGRATE"),
		RedisAddr:         strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		IdempotencyTTL:    positiveDuration(v.GetInt("IDEMPOTENCY_CACHE_TTL_SECONDS"), time.Second, 24*time.Hour),
		AuthSecret:        strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTL:    positiveDuration(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), time.Minute, 8*time.Hour),
		ManagerPIN:        strings.TrimSpace(v.GetString("MANAGER_PIN")),
		CommitTimeout:     positiveDuration(v.GetInt("COMMIT_TIMEOUT_SECONDS"), time.Second, 10*time.Second),
		CommitMaxRetries:  nonNegative(v.GetInt("COMMIT_MAX_RETRIES"), 3),
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		LogFormat:         strings.ToLower(strings.TrimSpace(v.GetString("LOG_FORMAT"))),
		DefaultTerminalID: strings.TrimSpace(v.GetString("DEFAULT_TERMINAL_ID")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positiveDuration(value int, unit time.Duration, fallback time.Duration) time.Duration {
	if value < 1 {
		return fallback
	}
	return time.Duration(value) * unit
}

func nonNegative(value int, fallback int) int {
	if value < 0 {
		return fallback
	}
	return value
}
