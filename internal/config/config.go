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

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Maintenance   MaintenanceConfig
	Quota         QuotaConfig
	Chat          ChatConfig
	Observability ObservabilityConfig
	IsProduction  bool

	fileErr error
}

type ServerConfig struct {
	BindAddress    string
	Port           string
	AllowOrigins   string
	TrustedProxies []string
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int
}

type MaintenanceConfig struct {
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	AdminPathPrefix string        `yaml:"admin_path_prefix"`
	NoticePath      string        `yaml:"notice_path"`
}

type QuotaConfig struct {
	Window         time.Duration `yaml:"window"`
	MaxLogged      int           `yaml:"max_logged"`
	MaxGuest       int           `yaml:"max_guest"`
	LedgerPath     string        `yaml:"ledger_path"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	Retention      time.Duration `yaml:"retention"`
	WindowStore    string        `yaml:"window_store"` // memory | sql
	LoginPerMinute int           `yaml:"login_per_minute"`
}

type ChatConfig struct {
	APIKey         string        `yaml:"-"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float32       `yaml:"temperature"`
	RequestsPerSec float64       `yaml:"requests_per_second"`
	Burst          int           `yaml:"burst"`
	HistorySize    int           `yaml:"history_size"`
	HistoryTTL     time.Duration `yaml:"history_ttl"`
	HistoryKeys    int           `yaml:"history_keys"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsToken   string
}

// Defaults returns the built-in policy before any file or environment overrides.
func Defaults() *Config {
	return &Config{
		Auth: AuthConfig{
			TokenTTL:   24 * time.Hour,
			BcryptCost: 12,
		},
		Maintenance: MaintenanceConfig{
			LookupTimeout:   3 * time.Second,
			SweepInterval:   time.Minute,
			AdminPathPrefix: "/api/v1/admin",
			NoticePath:      "/maintenance",
		},
		Quota: QuotaConfig{
			Window:         60 * time.Second,
			MaxLogged:      8,
			MaxGuest:       5,
			LedgerPath:     "./data/guest-requests.json",
			FlushInterval:  60 * time.Second,
			Retention:      30 * 24 * time.Hour,
			WindowStore:    "memory",
			LoginPerMinute: 10,
		},
		Chat: ChatConfig{
			BaseURL:        "https://api.cohere.ai/compatibility/v1",
			Model:          "command-r",
			Timeout:        15 * time.Second,
			MaxTokens:      300,
			Temperature:    0.8,
			RequestsPerSec: 5,
			Burst:          10,
			HistorySize:    50,
			HistoryTTL:     24 * time.Hour,
			HistoryKeys:    10000,
		},
	}
}

func Load() *Config {
	// Existing environment variables take precedence over .env entries.
	_ = godotenv.Load(".env")

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("MARQUEE_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			// Reported by Validate.
			cfg.fileErr = err
		}
	}

	isProd := getEnv("ENVIRONMENT", "development") == "production"
	defaultSecret := ""
	if !isProd {
		defaultSecret = "dev-secret-change-in-production"
	}
	defaultBindAddress := "0.0.0.0"
	if isProd {
		// In production we default to loopback and rely on a reverse proxy.
		defaultBindAddress = "127.0.0.1"
	}

	cfg.IsProduction = isProd
	cfg.Server = ServerConfig{
		BindAddress:    getEnv("SERVER_BIND_ADDRESS", defaultBindAddress),
		Port:           getEnv("SERVER_PORT", "8080"),
		AllowOrigins:   getEnv("ALLOW_ORIGINS", "http://localhost:5173"),
		TrustedProxies: splitCSV(getEnv("TRUSTED_PROXIES", "127.0.0.1,::1")),
	}
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/marquee.db")
	cfg.Auth.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", defaultSecret))
	cfg.Auth.TokenTTL = getEnvDuration("TOKEN_TTL", cfg.Auth.TokenTTL)
	cfg.Auth.BcryptCost = getEnvIntAny(cfg.Auth.BcryptCost, "BCRYPT_COST")

	cfg.Maintenance.LookupTimeout = clampDuration(
		getEnvDuration("MAINTENANCE_LOOKUP_TIMEOUT", cfg.Maintenance.LookupTimeout),
		minLookupTimeout, maxLookupTimeout,
	)
	cfg.Maintenance.SweepInterval = getEnvDuration("MAINTENANCE_SWEEP_INTERVAL", cfg.Maintenance.SweepInterval)
	cfg.Maintenance.AdminPathPrefix = getEnv("ADMIN_PATH_PREFIX", cfg.Maintenance.AdminPathPrefix)

	cfg.Quota.Window = getEnvDuration("CHAT_WINDOW", cfg.Quota.Window)
	cfg.Quota.MaxLogged = getEnvIntAny(cfg.Quota.MaxLogged, "CHAT_MAX_LOGGED")
	cfg.Quota.MaxGuest = getEnvIntAny(cfg.Quota.MaxGuest, "CHAT_MAX_GUEST")
	cfg.Quota.LedgerPath = getEnv("GUEST_LEDGER_PATH", cfg.Quota.LedgerPath)
	cfg.Quota.FlushInterval = getEnvDuration("GUEST_LEDGER_FLUSH_INTERVAL", cfg.Quota.FlushInterval)
	cfg.Quota.WindowStore = strings.ToLower(getEnv("RATE_WINDOW_STORE", cfg.Quota.WindowStore))

	cfg.Chat.APIKey = strings.TrimSpace(getEnv("COHERE_API_KEY", ""))
	cfg.Chat.BaseURL = getEnv("CHAT_BASE_URL", cfg.Chat.BaseURL)
	cfg.Chat.Model = getEnv("CHAT_MODEL", cfg.Chat.Model)
	cfg.Chat.Timeout = getEnvDuration("CHAT_TIMEOUT", cfg.Chat.Timeout)

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: getEnvBool("METRICS_ENABLED", !isProd),
		MetricsToken:   strings.TrimSpace(getEnv("METRICS_TOKEN", "")),
	}
	return cfg
}

// Validate checks that the configuration is valid for the current environment.
// In production, it enforces stricter requirements.
func (c *Config) Validate() error {
	if c.fileErr != nil {
		return fmt.Errorf("MARQUEE_CONFIG: %w", c.fileErr)
	}

	if c.IsProduction {
		if c.Auth.JWTSecret == "" {
			return errors.New("JWT_SECRET environment variable is required in production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Server.AllowOrigins == "http://localhost:5173" {
			return errors.New("ALLOW_ORIGINS must be configured for production (localhost not allowed)")
		}
		if c.Server.AllowOrigins == "*" {
			return errors.New("ALLOW_ORIGINS must not be wildcard (*) in production")
		}
		if c.Observability.MetricsEnabled && c.Observability.MetricsToken == "" {
			return errors.New("METRICS_TOKEN is required in production when METRICS_ENABLED=true")
		}
	}

	if strings.TrimSpace(c.Server.BindAddress) == "" {
		return errors.New("SERVER_BIND_ADDRESS must not be empty")
	}

	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return errors.New("SERVER_PORT must be a valid port number (1-65535)")
	}

	if c.Quota.MaxLogged < 1 || c.Quota.MaxGuest < 1 {
		return errors.New("CHAT_MAX_LOGGED and CHAT_MAX_GUEST must be positive")
	}
	if c.Quota.Window <= 0 {
		return errors.New("CHAT_WINDOW must be a positive duration")
	}
	if strings.TrimSpace(c.Quota.LedgerPath) == "" {
		return errors.New("GUEST_LEDGER_PATH must not be empty")
	}
	switch c.Quota.WindowStore {
	case "memory", "sql":
	default:
		return fmt.Errorf("RATE_WINDOW_STORE must be memory or sql, got %q", c.Quota.WindowStore)
	}

	return nil
}

const (
	minLookupTimeout = 2 * time.Second
	maxLookupTimeout = 5 * time.Second
)

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntAny(defaultValue int, keys ...string) int {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			if intVal, err := strconv.Atoi(value); err == nil {
				return intVal
			}
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func splitCSV(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		out = append(out, v)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}
