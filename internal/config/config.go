// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/medtrack/go-medtrack/internal/domain/refill"
)

// Notification modes
const (
	NotificationModeDirect = "direct"
	NotificationModeOutbox = "outbox"
)

// Config holds the settings shared by the medtrack binaries
type Config struct {
	Port                   string   `mapstructure:"PORT"`
	DatabaseURL            string   `mapstructure:"DATABASE_URL"`
	SQLitePath             string   `mapstructure:"SQLITE_PATH"`
	KafkaBrokers           []string `mapstructure:"KAFKA_BROKERS"`
	LogLevel               string   `mapstructure:"LOG_LEVEL"`
	Timezone               string   `mapstructure:"TIMEZONE"`
	APIKeys                []string `mapstructure:"API_KEYS"`
	RefillTransitionPolicy string   `mapstructure:"REFILL_TRANSITION_POLICY"`
	PharmacistAssignment   string   `mapstructure:"PHARMACIST_ASSIGNMENT"`
	NotificationMode       string   `mapstructure:"NOTIFICATION_MODE"`
	OTLPEndpoint           string   `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled         bool     `mapstructure:"TRACING_ENABLED"`
	PushWebhookURL         string   `mapstructure:"PUSH_WEBHOOK_URL"`
	AdherenceWindowDays    int      `mapstructure:"ADHERENCE_WINDOW_DAYS"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "SQLITE_PATH", "KAFKA_BROKERS", "LOG_LEVEL", "TIMEZONE",
	"API_KEYS", "REFILL_TRANSITION_POLICY", "PHARMACIST_ASSIGNMENT", "NOTIFICATION_MODE",
	"OTLP_ENDPOINT", "TRACING_ENABLED", "PUSH_WEBHOOK_URL", "ADHERENCE_WINDOW_DAYS",
}

// Load reads the environment, applies defaults and validates the result
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("SQLITE_PATH", "medtrack.db")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("REFILL_TRANSITION_POLICY", string(refill.PolicyStrict))
	v.SetDefault("PHARMACIST_ASSIGNMENT", "first")
	v.SetDefault("NOTIFICATION_MODE", NotificationModeDirect)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("ADHERENCE_WINDOW_DAYS", 7)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.APIKeys = splitList(v.GetString("API_KEYS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown enum values and inconsistent settings
func (c *Config) Validate() error {
	if _, err := refill.ParsePolicy(c.RefillTransitionPolicy); err != nil {
		return fmt.Errorf("REFILL_TRANSITION_POLICY: %w", err)
	}
	if _, err := refill.NewAssigner(c.PharmacistAssignment); err != nil {
		return fmt.Errorf("PHARMACIST_ASSIGNMENT: %w", err)
	}
	switch c.NotificationMode {
	case NotificationModeDirect:
	case NotificationModeOutbox:
		if c.DatabaseURL == "" {
			return fmt.Errorf("NOTIFICATION_MODE=outbox requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("NOTIFICATION_MODE must be %q or %q, got %q",
			NotificationModeDirect, NotificationModeOutbox, c.NotificationMode)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.AdherenceWindowDays < 1 || c.AdherenceWindowDays > 366 {
		return fmt.Errorf("ADHERENCE_WINDOW_DAYS must be between 1 and 366, got %d", c.AdherenceWindowDays)
	}
	for _, entry := range c.APIKeys {
		if key, _, _ := strings.Cut(entry, ":"); key == "" {
			return fmt.Errorf("API_KEYS contains an empty key")
		}
	}
	return nil
}

// Location returns the time zone used to read calendar dates
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// Policy returns the configured refill transition policy
func (c *Config) Policy() refill.Policy {
	p, _ := refill.ParsePolicy(c.RefillTransitionPolicy)
	return p
}

// Assigner returns the configured pharmacist assignment strategy
func (c *Config) Assigner() refill.Assigner {
	a, err := refill.NewAssigner(c.PharmacistAssignment)
	if err != nil {
		return refill.FirstAvailable{}
	}
	return a
}

// APIKeyMap maps each API key to its client name. Entries are "key" or
// "key:client"; a bare key names itself.
func (c *Config) APIKeyMap() map[string]string {
	m := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		key, client, ok := strings.Cut(entry, ":")
		if !ok {
			client = key
		}
		m[key] = client
	}
	return m
}

// UsesPostgres reports whether DATABASE_URL selects the PostgreSQL store
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// NewLogger builds a production zap logger at LOG_LEVEL
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
