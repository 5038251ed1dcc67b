package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	LLMAPIKey      string        `mapstructure:"LLM_API_KEY"`
	LLMBaseURL     string        `mapstructure:"LLM_BASE_URL"`
	LLMModel       string        `mapstructure:"LLM_MODEL"`
	LLMTemperature float32       `mapstructure:"LLM_TEMPERATURE"`
	LLMTimeout     time.Duration `mapstructure:"LLM_TIMEOUT"`
	EndToken       string        `mapstructure:"END_TOKEN"`
	GoogleClientID string        `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleJWKSURL  string        `mapstructure:"GOOGLE_JWKS_URL"`
	SessionDir     string        `mapstructure:"SESSION_DIR"`
	EncryptionKey  string        `mapstructure:"ENCRYPTION_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	SessionIdleTTL     time.Duration `mapstructure:"SESSION_IDLE_TTL"`
	SessionReplayTurns int           `mapstructure:"SESSION_REPLAY_TURNS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_TEMPERATURE", "LLM_TIMEOUT",
	"END_TOKEN", "GOOGLE_CLIENT_ID", "GOOGLE_JWKS_URL", "SESSION_DIR",
	"ENCRYPTION_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"BODY_LIMIT", "SESSION_IDLE_TTL", "SESSION_REPLAY_TURNS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TEMPERATURE", 0.2)
	v.SetDefault("LLM_TIMEOUT", "60s")
	v.SetDefault("END_TOKEN", "<END_REPORT>")
	v.SetDefault("GOOGLE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault("SESSION_DIR", "./data/sessions")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("SESSION_IDLE_TTL", "30m")
	v.SetDefault("SESSION_REPLAY_TURNS", 20)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// Google client ID and an LLM key are required. ENCRYPTION_KEY, when set, must
// be 64 hex characters.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.GoogleClientID == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID must be set when ENV=%q", c.Env)
		}
		if c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_API_KEY must be set when ENV=%q", c.Env)
		}
	}
	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	if c.EncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if strings.TrimSpace(c.EndToken) == "" {
		return fmt.Errorf("END_TOKEN must not be blank")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.SessionIdleTTL < 0 || c.SessionReplayTurns < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SESSION_REPLAY_TURNS must not be negative")
	}
	return nil
}
