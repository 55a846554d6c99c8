package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PARLOR"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "parlor.db"
	defaultLogLevel     = "info"
)

// AppConfig captures runtime configuration for the open group server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	// ServerKeySeed is the hex-encoded 32-byte Ed25519 seed identifying this
	// server. The derived public key anchors request signatures and blinded
	// identifier derivation, so it must stay stable across restarts.
	ServerKeySeed string

	SignatureTolerance time.Duration
	NonceLifetime      time.Duration

	MaxBodyBytes int64

	FilterTimeout         time.Duration
	FilteredVisibleToSelf bool

	ReconcileInterval time.Duration
	ActivityCutoff    time.Duration
	HistoryRetention  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.max_body_bytes", 10*1024*1024)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signature_tolerance_hours", 24)
	configViper.SetDefault("auth.nonce_lifetime_hours", 24)
	configViper.SetDefault("filter.timeout_ms", 500)
	configViper.SetDefault("filter.visible_to_author", false)
	configViper.SetDefault("reconcile.interval_seconds", 15)
	configViper.SetDefault("reconcile.activity_cutoff_hours", 168)
	configViper.SetDefault("reconcile.history_retention_hours", 336)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		ServerKeySeed:         configViper.GetString("auth.server_key_seed"),
		SignatureTolerance:    time.Duration(configViper.GetInt("auth.signature_tolerance_hours")) * time.Hour,
		NonceLifetime:         time.Duration(configViper.GetInt("auth.nonce_lifetime_hours")) * time.Hour,
		MaxBodyBytes:          configViper.GetInt64("http.max_body_bytes"),
		FilterTimeout:         time.Duration(configViper.GetInt("filter.timeout_ms")) * time.Millisecond,
		FilteredVisibleToSelf: configViper.GetBool("filter.visible_to_author"),
		ReconcileInterval:     time.Duration(configViper.GetInt("reconcile.interval_seconds")) * time.Second,
		ActivityCutoff:        time.Duration(configViper.GetInt("reconcile.activity_cutoff_hours")) * time.Hour,
		HistoryRetention:      time.Duration(configViper.GetInt("reconcile.history_retention_hours")) * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	seed := strings.TrimSpace(c.ServerKeySeed)
	if seed == "" {
		return fmt.Errorf("auth.server_key_seed is required")
	}
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("auth.server_key_seed must be 64 hex characters")
	}
	if c.SignatureTolerance <= 0 {
		return fmt.Errorf("auth.signature_tolerance_hours must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile.interval_seconds must be positive")
	}
	return nil
}
