package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	Port   string
	Env    string
	NodeID string

	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTIssuer string

	AllowedOrigins []string

	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	SendBuffer        int
	MaxContentLength  int
	MaxConnections    int

	// PushQueue is the Redis list the push worker consumes.
	PushQueue string
}

// Load reads configuration from environment variables, loading a .env file
// first if present. Production requires the external backends.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		NodeID:            os.Getenv("NODE_ID"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         os.Getenv("JWT_ISSUER"),
		AllowedOrigins:    getList("ALLOWED_ORIGINS"),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatMisses:   getInt("HEARTBEAT_MISSES", 2),
		SendBuffer:        getInt("SEND_BUFFER", 256),
		MaxContentLength:  getInt("MAX_CONTENT_LENGTH", 4000),
		MaxConnections:    getInt("MAX_CONNECTIONS", 10000),
		PushQueue:         getEnv("PUSH_QUEUE", "push:notifications"),
	}

	if cfg.Env == "production" {
		var missing []string
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
		if cfg.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
		if len(missing) > 0 {
			return nil, errors.New(strings.Join(missing, ", ") + " required in production")
		}
	} else if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret"
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
