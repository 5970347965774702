package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the room
// coordinator process.
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	SQLitePath    string

	// Auth (external collaborator per §6.1 — JWKS-verified in production;
	// JWT_SECRET is only length-checked in development mode and logged
	// redacted, no validator reads it)
	Auth0Domain     string
	Auth0Audience   string
	JWTSecret       string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWSIP        string
	RateLimitWSUser      string

	// Coordination-core tunables (§6.3)
	DefaultBufferMs int
	MaxBufferMs     int
	RTTMultiplier   int
	SyncTickMs      int
	VoteTTLS        int
	MutinyCooldownS int
	DjCooldownMin   int
	MutinyThreshold float64
	ConnectionTTLS  int
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid; validation errors are collected and reported together rather
// than failing on the first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.SQLitePath = getEnvOrDefault("SQLITE_PATH", "./roomsync.db")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if cfg.DevelopmentMode && cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWSIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWSUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// Coordination-core tunables, per §6.3
	cfg.DefaultBufferMs = getEnvIntOrDefault("DEFAULT_BUFFER_MS", 100)
	cfg.MaxBufferMs = getEnvIntOrDefault("MAX_BUFFER_MS", 500)
	cfg.RTTMultiplier = getEnvIntOrDefault("RTT_MULTIPLIER", 2)
	cfg.SyncTickMs = getEnvIntOrDefault("SYNC_TICK_MS", 10000)
	cfg.VoteTTLS = getEnvIntOrDefault("VOTE_TTL_S", 300)
	cfg.MutinyCooldownS = getEnvIntOrDefault("MUTINY_COOLDOWN_S", 600)
	cfg.DjCooldownMin = getEnvIntOrDefault("DJ_COOLDOWN_MIN", 0)
	cfg.MutinyThreshold = getEnvFloatOrDefault("MUTINY_THRESHOLD", 0.51)
	cfg.ConnectionTTLS = getEnvIntOrDefault("CONNECTION_TTL_S", 300)

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"sqlite_path", cfg.SQLitePath,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
		"sync_tick_ms", cfg.SyncTickMs,
		"vote_ttl_s", cfg.VoteTTLS,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
