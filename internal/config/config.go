package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
)

// ProviderCredentials holds one provider's OAuth client pair from the
// environment. A provider with an empty id or secret stays unregistered.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool

	OAuthRedirectURI     string
	StateSecret          string
	EncryptionSecret     string
	TokenExchangeTimeout time.Duration
	Providers            map[integration.ProviderKind]ProviderCredentials
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	redirectURI := strings.TrimSpace(os.Getenv("OAUTH_REDIRECT_URI"))
	if redirectURI == "" {
		return Config{}, fmt.Errorf("OAUTH_REDIRECT_URI is required")
	}
	stateSecret := strings.TrimSpace(os.Getenv("STATE_SECRET"))
	if len(stateSecret) < 32 {
		return Config{}, fmt.Errorf("STATE_SECRET must be at least 32 bytes")
	}
	encryptionSecret := strings.TrimSpace(os.Getenv("CREDENTIALS_ENCRYPTION_SECRET"))
	if encryptionSecret == "" {
		return Config{}, fmt.Errorf("CREDENTIALS_ENCRYPTION_SECRET is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		ServiceName:          getEnv("SERVICE_NAME", "valora-integrations"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Org-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
		OAuthRedirectURI:     redirectURI,
		StateSecret:          stateSecret,
		EncryptionSecret:     encryptionSecret,
		TokenExchangeTimeout: getDuration("TOKEN_EXCHANGE_TIMEOUT", 30*time.Second),
		Providers: map[integration.ProviderKind]ProviderCredentials{
			integration.KindSlack: {
				ClientID:     os.Getenv("SLACK_CLIENT_ID"),
				ClientSecret: os.Getenv("SLACK_CLIENT_SECRET"),
			},
			integration.KindNotion: {
				ClientID:     os.Getenv("NOTION_CLIENT_ID"),
				ClientSecret: os.Getenv("NOTION_CLIENT_SECRET"),
			},
			integration.KindGoogleSheets: {
				ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
				ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			},
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
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
