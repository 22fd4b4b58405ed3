package config

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds application configuration
type Config struct {
	Port        int
	Database    DatabaseConfig
	JWTSecret   string
	Environment string
	LogLevel    string
	CORSOrigins []string
	Crypto      CryptoConfig
	OAuth       OAuthConfig
	Backend     BackendConfig
	Tokens      TokenConfig
	Auth        AuthConfig
	RedisURL    string
	RateLimit   RateLimitConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// CryptoConfig configures encryption of stored provider tokens
type CryptoConfig struct {
	EncryptionKey string
	Cipher        string // aes-256-gcm or xchacha20poly1305
}

// OAuthConfig configures the integration OAuth flow
type OAuthConfig struct {
	StateSecret       string
	StateTTL          time.Duration
	RedirectAllowlist []string
	RedirectOverrides map[provider.Provider]string
}

// BackendConfig points at the downstream integration backend
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

// TokenConfig configures access token refresh
type TokenConfig struct {
	RefreshMargin time.Duration
}

// AuthConfig configures verification of user bearer tokens
type AuthConfig struct {
	Issuers      []string
	JWKSCacheTTL time.Duration
}

// RateLimitConfig configures per-IP limits on OAuth endpoints
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	env := getEnv("ENVIRONMENT", EnvProduction)
	jwtSecret, err := loadJWTSecret(env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Database: DatabaseConfig{
			Type:         getEnv("DATABASE_TYPE", "postgres"),
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		JWTSecret:   jwtSecret,
		Environment: env,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: loadCORSOrigins(env),
		Crypto: CryptoConfig{
			EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", deriveSecret(jwtSecret, "token-encryption")),
			Cipher:        getEnv("TOKEN_CIPHER", "aes-256-gcm"),
		},
		OAuth: OAuthConfig{
			StateSecret:       getEnv("OAUTH_STATE_SECRET", deriveSecret(jwtSecret, "oauth-state")),
			StateTTL:          getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),
			RedirectAllowlist: splitAndTrim(os.Getenv("OAUTH_REDIRECT_ALLOWLIST"), ","),
			RedirectOverrides: loadRedirectOverrides(),
		},
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(getEnv("INTEGRATION_BACKEND_URL", "http://localhost:8000"), "/"),
			Timeout: getEnvDuration("INTEGRATION_BACKEND_TIMEOUT", 30*time.Second),
		},
		Tokens: TokenConfig{
			RefreshMargin: getEnvDuration("TOKEN_REFRESH_MARGIN", time.Minute),
		},
		Auth: AuthConfig{
			Issuers:      splitAndTrim(os.Getenv("AUTH_ISSUERS"), ","),
			JWKSCacheTTL: getEnvDuration("JWKS_CACHE_TTL", time.Hour),
		},
		RedisURL: os.Getenv("REDIS_URL"),
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "integrations")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "integrations")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs error

	if c.Environment == EnvProduction {
		if len(c.JWTSecret) < 32 {
			errs = multierr.Append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters in production"))
		}

		// Check for insecure default secrets
		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure || c.Crypto.EncryptionKey == insecure {
				errs = multierr.Append(errs, fmt.Errorf("JWT_SECRET or TOKEN_ENCRYPTION_KEY is set to an insecure default value"))
				break
			}
		}

		if len(c.OAuth.RedirectAllowlist) == 0 && len(c.OAuth.RedirectOverrides) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("OAUTH_REDIRECT_ALLOWLIST or a provider redirect override is required in production"))
		}
	}

	if c.Crypto.EncryptionKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("TOKEN_ENCRYPTION_KEY must not be empty"))
	}

	switch c.Crypto.Cipher {
	case "aes-256-gcm", "xchacha20poly1305":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported TOKEN_CIPHER: %s", c.Crypto.Cipher))
	}

	if len(c.CORSOrigins) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one CORS origin must be configured"))
	}

	if c.Database.Type != "postgres" {
		errs = multierr.Append(errs, fmt.Errorf("unsupported database type: %s", c.Database.Type))
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("INTEGRATION_BACKEND_URL must be an absolute URL"))
	}

	if c.OAuth.StateTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("OAUTH_STATE_TTL must be positive"))
	}

	if c.Tokens.RefreshMargin < 0 {
		errs = multierr.Append(errs, fmt.Errorf("TOKEN_REFRESH_MARGIN must not be negative"))
	}

	return errs
}

func loadJWTSecret(env string) (string, error) {
	secret := os.Getenv("JWT_SECRET")

	// If JWT_SECRET is not set, generate a random one for development
	if secret == "" {
		if env == EnvProduction {
			return "", fmt.Errorf("JWT_SECRET environment variable is required in production")
		}
		return generateRandomSecret()
	}

	if len(secret) < 16 {
		return "", fmt.Errorf("JWT_SECRET must be at least 16 characters long")
	}

	return secret, nil
}

func loadCORSOrigins(env string) []string {
	if appURL := getAppURL(); appURL != "" {
		return []string{appURL}
	}

	if origins := splitAndTrim(os.Getenv("CORS_ORIGINS"), ","); len(origins) > 0 {
		return origins
	}

	return []string{"http://localhost:3000", "http://localhost:8080"}
}

// loadRedirectOverrides reads OAUTH_REDIRECT_URI_<PROVIDER> for every known provider
func loadRedirectOverrides() map[provider.Provider]string {
	overrides := make(map[provider.Provider]string)
	for _, p := range provider.All {
		if value := strings.TrimSpace(os.Getenv("OAUTH_REDIRECT_URI_" + p.EnvSuffix())); value != "" {
			overrides[p] = value
		}
	}
	return overrides
}

func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// deriveSecret gives each use of JWT_SECRET its own key, so a token signed
// for one purpose never verifies under another.
func deriveSecret(secret, label string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(label))
	return hex.EncodeToString(mac.Sum(nil))
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func getAppURL() string {
	appURL := os.Getenv("APP_URL")
	if appURL == "" {
		return ""
	}
	return strings.TrimRight(appURL, "/")
}
