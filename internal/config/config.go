package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

const defaultScopes = "openid profile email offline_access practicemanager"

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	BaseURL              string
	DatabaseDriver       string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	XeroClientID         string
	XeroClientSecret     string
	XeroRedirectURI      string
	XeroScopes           []string
	XPMScopes            []string
	XeroLoginURL         string
	XeroIdentityURL      string
	XeroAPIBaseURL       string
	TokenEncryptionKey   []byte
	CandidateTimeout     time.Duration
	QueryTimeout         time.Duration
	UpstreamMaxBodyBytes int64
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		BaseURL:              strings.TrimRight(getEnv("BASE_URL", getEnv("NEXTAUTH_URL", "http://localhost:3000")), "/"),
		DatabaseDriver:       strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		XeroClientID:         strings.TrimSpace(os.Getenv("XERO_CLIENT_ID")),
		XeroClientSecret:     strings.TrimSpace(os.Getenv("XERO_CLIENT_SECRET")),
		XeroRedirectURI:      strings.TrimSpace(os.Getenv("XERO_REDIRECT_URI")),
		XeroScopes:           getFields("XERO_SCOPES", defaultScopes),
		XPMScopes:            getFields("XPM_SCOPES", defaultScopes),
		XeroLoginURL:         getEnv("XERO_LOGIN_URL", "https://login.xero.com/identity/connect/authorize"),
		XeroIdentityURL:      getEnv("XERO_IDENTITY_URL", "https://identity.xero.com/connect/token"),
		XeroAPIBaseURL:       strings.TrimRight(getEnv("XERO_API_BASE_URL", "https://api.xero.com"), "/"),
		CandidateTimeout:     getDuration("XPM_CANDIDATE_TIMEOUT", 10*time.Second),
		QueryTimeout:         getDuration("XPM_QUERY_TIMEOUT", 30*time.Second),
		UpstreamMaxBodyBytes: int64(getInt("UPSTREAM_MAX_BODY_BYTES", 8<<20)),
		ServiceName:          getEnv("SERVICE_NAME", "xpm-connect"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 60),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("TELEMETRY_SAMPLE_RATIO", 1),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	required := []struct{ key, val string }{
		{"XERO_CLIENT_ID", cfg.XeroClientID},
		{"XERO_CLIENT_SECRET", cfg.XeroClientSecret},
		{"XERO_REDIRECT_URI", cfg.XeroRedirectURI},
		{"DATABASE_URL", cfg.DatabaseURL},
	}
	for _, r := range required {
		if r.val == "" {
			return Config{}, fmt.Errorf("%s is required", r.key)
		}
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite")
	}

	key, err := decodeKey(os.Getenv("XERO_TOKEN_ENC_KEY"))
	if err != nil {
		return Config{}, err
	}
	cfg.TokenEncryptionKey = key

	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = 10 * time.Second
	}
	if cfg.QueryTimeout < cfg.CandidateTimeout {
		cfg.QueryTimeout = cfg.CandidateTimeout
	}
	if cfg.UpstreamMaxBodyBytes <= 0 {
		cfg.UpstreamMaxBodyBytes = 8 << 20
	}

	return cfg, nil
}

// Provider returns the OAuth client configuration consumed by the Xero adapter.
func (c Config) Provider() xero.ProviderConfig {
	return xero.ProviderConfig{
		ClientID:     c.XeroClientID,
		ClientSecret: c.XeroClientSecret,
		RedirectURI:  c.XeroRedirectURI,
		Scopes:       append([]string{}, c.XeroScopes...),
		XPMScopes:    append([]string{}, c.XPMScopes...),
		LoginURL:     c.XeroLoginURL,
		IdentityURL:  c.XeroIdentityURL,
		APIBaseURL:   c.XeroAPIBaseURL,
	}
}

func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("XERO_TOKEN_ENC_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("XERO_TOKEN_ENC_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("XERO_TOKEN_ENC_KEY must be 32 bytes (base64), got %d", len(key))
	}
	return key, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

// getFields splits a space or comma separated scope list.
func getFields(key, def string) []string {
	raw := getEnv(key, def)
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return strings.Fields(def)
	}
	return fields
}
