package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	StoreBackend     string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	KafkaBrokers     []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaNotifyTopic string        `mapstructure:"KAFKA_NOTIFY_TOPIC"`
	OracleURL        string        `mapstructure:"RELATIONSHIP_ORACLE_URL"`
	OracleTimeout    time.Duration `mapstructure:"ORACLE_TIMEOUT"`
	NotifyTimeout    time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	RelationshipTTL  time.Duration `mapstructure:"RELATIONSHIP_TTL"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`

	// Hex-encoded AES-256 key for sealing relationship contact columns.
	PHIEncryptionKey        string `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIEncryptionKeyVersion int    `mapstructure:"PHI_ENCRYPTION_KEY_VERSION"`

	MinJustificationLength int  `mapstructure:"MIN_JUSTIFICATION_LENGTH"`
	ReviewRiskThreshold    int  `mapstructure:"REVIEW_RISK_THRESHOLD"`
	NotifyModerate         bool `mapstructure:"NOTIFY_MODERATE"`
	EmergencyMaxPerHour    int  `mapstructure:"EMERGENCY_MAX_PER_HOUR"`

	RiskBaseLow      int `mapstructure:"RISK_BASE_LOW"`
	RiskBaseModerate int `mapstructure:"RISK_BASE_MODERATE"`
	RiskBaseHigh     int `mapstructure:"RISK_BASE_HIGH"`
	RiskBaseCritical int `mapstructure:"RISK_BASE_CRITICAL"`
	RiskNoSupervisor int `mapstructure:"RISK_NO_SUPERVISOR"`
	RiskUnvalidated  int `mapstructure:"RISK_UNVALIDATED"`
	RiskTerse        int `mapstructure:"RISK_TERSE"`
	RiskDirectPHI    int `mapstructure:"RISK_DIRECT_PHI"`
	RiskStrongCredit int `mapstructure:"RISK_STRONG_CREDIT"`

	PenaltyViolation    int `mapstructure:"PENALTY_VIOLATION"`
	PenaltyHighRisk     int `mapstructure:"PENALTY_HIGH_RISK"`
	PenaltyMissedReview int `mapstructure:"PENALTY_MISSED_REVIEW"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_NOTIFY_TOPIC", "RELATIONSHIP_ORACLE_URL",
	"ORACLE_TIMEOUT", "NOTIFY_TIMEOUT", "REQUEST_TIMEOUT", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "RELATIONSHIP_TTL", "SWEEP_INTERVAL", "MIN_JUSTIFICATION_LENGTH",
	"REVIEW_RISK_THRESHOLD", "NOTIFY_MODERATE", "EMERGENCY_MAX_PER_HOUR",
	"RISK_BASE_LOW", "RISK_BASE_MODERATE", "RISK_BASE_HIGH", "RISK_BASE_CRITICAL",
	"RISK_NO_SUPERVISOR", "RISK_UNVALIDATED", "RISK_TERSE", "RISK_DIRECT_PHI", "RISK_STRONG_CREDIT",
	"PENALTY_VIOLATION", "PENALTY_HIGH_RISK", "PENALTY_MISSED_REVIEW",
	"PHI_ENCRYPTION_KEY", "PHI_ENCRYPTION_KEY_VERSION",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", "") // "" -> inferred, see ResolvedStoreBackend
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_NOTIFY_TOPIC", "emergency-access-notifications")
	v.SetDefault("ORACLE_TIMEOUT", "2s")
	v.SetDefault("NOTIFY_TIMEOUT", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RELATIONSHIP_TTL", "0s")
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("MIN_JUSTIFICATION_LENGTH", 20)
	v.SetDefault("REVIEW_RISK_THRESHOLD", 70)
	v.SetDefault("NOTIFY_MODERATE", false)
	v.SetDefault("EMERGENCY_MAX_PER_HOUR", 10)
	v.SetDefault("RISK_BASE_LOW", 10)
	v.SetDefault("RISK_BASE_MODERATE", 30)
	v.SetDefault("RISK_BASE_HIGH", 60)
	v.SetDefault("RISK_BASE_CRITICAL", 85)
	v.SetDefault("RISK_NO_SUPERVISOR", 10)
	v.SetDefault("RISK_UNVALIDATED", 10)
	v.SetDefault("RISK_TERSE", 10)
	v.SetDefault("RISK_DIRECT_PHI", 5)
	v.SetDefault("RISK_STRONG_CREDIT", 10)
	v.SetDefault("PENALTY_VIOLATION", 10)
	v.SetDefault("PENALTY_HIGH_RISK", 5)
	v.SetDefault("PENALTY_MISSED_REVIEW", 15)
	v.SetDefault("PHI_ENCRYPTION_KEY_VERSION", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedStoreBackend returns the effective store backend. If STORE_BACKEND is
// explicitly set, it is returned. Otherwise development without DATABASE_URL
// runs on the in-memory stores and everything else uses PostgreSQL.
func (c *Config) ResolvedStoreBackend() string {
	if c.StoreBackend != "" {
		return c.StoreBackend
	}
	if c.IsDev() && c.DatabaseURL == "" {
		return StoreMemory
	}
	return StorePostgres
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that bearer tokens are verified.
func (c *Config) Validate() error {
	switch c.ResolvedStoreBackend() {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreBackend)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.MinJustificationLength < 1 {
		return fmt.Errorf("MIN_JUSTIFICATION_LENGTH must be at least 1, got %d", c.MinJustificationLength)
	}
	if c.ReviewRiskThreshold < 0 || c.ReviewRiskThreshold > 100 {
		return fmt.Errorf("REVIEW_RISK_THRESHOLD must be within 0..100, got %d", c.ReviewRiskThreshold)
	}
	if c.EmergencyMaxPerHour < 1 {
		return fmt.Errorf("EMERGENCY_MAX_PER_HOUR must be at least 1, got %d", c.EmergencyMaxPerHour)
	}

	weights := map[string]int{
		"RISK_BASE_LOW":         c.RiskBaseLow,
		"RISK_BASE_MODERATE":    c.RiskBaseModerate,
		"RISK_BASE_HIGH":        c.RiskBaseHigh,
		"RISK_BASE_CRITICAL":    c.RiskBaseCritical,
		"RISK_NO_SUPERVISOR":    c.RiskNoSupervisor,
		"RISK_UNVALIDATED":      c.RiskUnvalidated,
		"RISK_TERSE":            c.RiskTerse,
		"RISK_DIRECT_PHI":       c.RiskDirectPHI,
		"RISK_STRONG_CREDIT":    c.RiskStrongCredit,
		"PENALTY_VIOLATION":     c.PenaltyViolation,
		"PENALTY_HIGH_RISK":     c.PenaltyHighRisk,
		"PENALTY_MISSED_REVIEW": c.PenaltyMissedReview,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, w)
		}
	}

	for name, d := range map[string]time.Duration{
		"ORACLE_TIMEOUT":  c.OracleTimeout,
		"NOTIFY_TIMEOUT":  c.NotifyTimeout,
		"REQUEST_TIMEOUT": c.RequestTimeout,
		"SWEEP_INTERVAL":  c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RelationshipTTL < 0 {
		return fmt.Errorf("RELATIONSHIP_TTL must not be negative, got %s", c.RelationshipTTL)
	}
	if c.PHIEncryptionKey != "" {
		if key, err := hex.DecodeString(c.PHIEncryptionKey); err != nil || len(key) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 64 hex characters")
		}
		if c.PHIEncryptionKeyVersion < 1 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY_VERSION must be at least 1, got %d", c.PHIEncryptionKeyVersion)
		}
	}

	return nil
}
