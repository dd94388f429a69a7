// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/featureflags"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// ClientConfig holds the sync engine configuration.
type ClientConfig struct {
	SyncURL         string  `mapstructure:"SYNC_URL"`
	APIURL          string  `mapstructure:"API_URL"`
	AckTimeoutMS    int     `mapstructure:"ACK_TIMEOUT_MS"`
	RingTimeoutMS   int     `mapstructure:"RING_TIMEOUT_MS"`
	PageSize        int     `mapstructure:"PAGE_SIZE"`
	AudioMaxBitrate int     `mapstructure:"AUDIO_MAX_BITRATE"`
	STUNURL         string  `mapstructure:"STUN_URL"`
	TURNURL         string  `mapstructure:"TURN_URL"`
	TURNUsername    string  `mapstructure:"TURN_USERNAME"`
	TURNPassword    string  `mapstructure:"TURN_PASSWORD"`
	FeatureFlags    string  `mapstructure:"FEATURE_FLAGS"`
	Env             string  `mapstructure:"APP_ENV"`
	LogLevel        string  `mapstructure:"LOG_LEVEL"`
	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	SamplerRatio    float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

// AckTimeout returns the acknowledgement budget of one emit.
func (c *ClientConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// RingTimeout returns how long a call may ring before it is missed.
func (c *ClientConfig) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutMS) * time.Millisecond
}

// Validate ensures that required client values are present.
func (c *ClientConfig) Validate() error {
	if c.SyncURL == "" {
		return errors.New("SYNC_URL is required")
	}
	if !strings.HasPrefix(c.SyncURL, "ws://") && !strings.HasPrefix(c.SyncURL, "wss://") {
		return fmt.Errorf("SYNC_URL must be a ws:// or wss:// url, got %q", c.SyncURL)
	}
	if c.APIURL == "" {
		return errors.New("API_URL is required")
	}
	if c.AckTimeoutMS <= 0 {
		return errors.New("ACK_TIMEOUT_MS must be positive")
	}
	if c.RingTimeoutMS <= 0 {
		return errors.New("RING_TIMEOUT_MS must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > 200 {
		return errors.New("PAGE_SIZE must be between 1 and 200")
	}
	if c.AudioMaxBitrate < 6000 || c.AudioMaxBitrate > 510000 {
		return errors.New("AUDIO_MAX_BITRATE must be between 6000 and 510000")
	}
	if c.TURNURL != "" && (c.TURNUsername == "" || c.TURNPassword == "") {
		return errors.New("TURN_USERNAME and TURN_PASSWORD are required when TURN_URL is set")
	}
	if isProduction(c.Env) && strings.HasPrefix(c.SyncURL, "ws://") {
		slog.Warn("SYNC_URL uses an unencrypted channel in production", slog.String("url", c.SyncURL))
	}
	return nil
}

// RelayConfig holds the reference relay configuration.
type RelayConfig struct {
	Port            string `mapstructure:"PORT"`
	JWTSecret       string `mapstructure:"JWT_SECRET"`
	DatabaseDSN     string `mapstructure:"DATABASE_DSN"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	UploadDir       string `mapstructure:"UPLOAD_DIR"`
	PublicBaseURL   string `mapstructure:"PUBLIC_BASE_URL"`
	MaxUploadSizeMB int    `mapstructure:"MAX_UPLOAD_SIZE_MB"`
	UploadRateLimit int    `mapstructure:"UPLOAD_RATE_LIMIT"`
	MetricsEnabled  bool   `mapstructure:"METRICS_ENABLED"`
	RosterFile      string `mapstructure:"ROSTER_FILE"`
	Env             string `mapstructure:"APP_ENV"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
}

// Validate ensures that required relay values are present and meet security standards.
func (c *RelayConfig) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if c.MaxUploadSizeMB <= 0 {
		return errors.New("MAX_UPLOAD_SIZE_MB must be positive")
	}

	if isProduction(c.Env) {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if strings.HasPrefix(c.DatabaseDSN, "file:") || strings.HasSuffix(c.DatabaseDSN, ".db") {
			return errors.New("sqlite DATABASE_DSN is not allowed in production")
		}
	} else if len(c.JWTSecret) < 32 {
		slog.Warn("JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}
	return nil
}

// LoadClientConfig loads the sync engine configuration.
func LoadClientConfig() (*ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("SYNC_URL", "ws://localhost:8375/ws")
	v.SetDefault("API_URL", "http://localhost:8375")
	v.SetDefault("ACK_TIMEOUT_MS", 10000)
	v.SetDefault("RING_TIMEOUT_MS", 30000)
	v.SetDefault("PAGE_SIZE", 30)
	v.SetDefault("AUDIO_MAX_BITRATE", 24000)
	v.SetDefault("STUN_URL", "stun:stun.l.google.com:19302")
	v.SetDefault("TURN_URL", "")
	v.SetDefault("TURN_USERNAME", "")
	v.SetDefault("TURN_PASSWORD", "")
	v.SetDefault("FEATURE_FLAGS", featureflags.Defaults)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLER_RATIO", 1.0)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadRelayConfig loads the relay configuration.
func LoadRelayConfig() (*RelayConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("PORT", "8375")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("DATABASE_DSN", "file:lectern.db?cache=shared")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8375")
	v.SetDefault("MAX_UPLOAD_SIZE_MB", 10)
	v.SetDefault("UPLOAD_RATE_LIMIT", 20)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("ROSTER_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// newViper reads config.yml and, outside development, the required
// config.<env>.yml profile on top of it.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	// The base file is optional.
	_ = v.ReadInConfig()

	env := v.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}
	v.SetDefault("APP_ENV", "development")

	if env != "development" && env != "test" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		slog.Info("Loaded profile-specific configuration", slog.String("file", "config."+env+".yml"))
	}
	return v, nil
}

func isProduction(env string) bool {
	return env == "production" || env == "prod"
}
