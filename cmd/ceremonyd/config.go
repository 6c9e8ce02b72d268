// config.go - Configuration management for the ceremony daemon
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/metrics"
)

// Config represents the daemon configuration
type Config struct {
	// Network
	ListenAddr    string        `mapstructure:"listen_addr"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	AwaitTimeout  time.Duration `mapstructure:"await_timeout"`

	// Ceremony
	DataDir             string        `mapstructure:"data_dir"`
	Mode                string        `mapstructure:"mode"`
	Quorum              int           `mapstructure:"quorum"`
	TurnTimeout         time.Duration `mapstructure:"turn_timeout"`
	DropPolicy          string        `mapstructure:"drop_policy"`
	MaxMisses           int           `mapstructure:"max_misses"`
	RepeatContributions bool          `mapstructure:"repeat_contributions"`
	RegistryPath        string        `mapstructure:"registry_path"`

	// Beacon: a drand-style URL, or a value published in advance
	BeaconURL   string        `mapstructure:"beacon_url"`
	BeaconValue string        `mapstructure:"beacon_value"`
	BeaconRetry time.Duration `mapstructure:"beacon_retry"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Security
	EnableAudit  bool   `mapstructure:"enable_audit"`
	AuditLogPath string `mapstructure:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8700",
		RatePerSecond: 5,
		RateBurst:     10,
		AwaitTimeout:  30 * time.Second,
		DataDir:       "ceremony-data",
		Mode:          string(ceremony.ModeQueue),
		TurnTimeout:   10 * time.Minute,
		DropPolicy:    string(ceremony.DropRequeue),
		MaxMisses:     3,
		BeaconRetry:   30 * time.Second,
		LogLevel:      "info",
		LogFile:       "ceremony.log",
		EnableAudit:   true,
		AuditLogPath:  "audit.log",
	}
}

// setDefaults registers every key so that env variables bind even when no
// config file mentions them
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("rate_per_second", d.RatePerSecond)
	v.SetDefault("rate_burst", d.RateBurst)
	v.SetDefault("await_timeout", d.AwaitTimeout)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("quorum", d.Quorum)
	v.SetDefault("turn_timeout", d.TurnTimeout)
	v.SetDefault("drop_policy", d.DropPolicy)
	v.SetDefault("max_misses", d.MaxMisses)
	v.SetDefault("repeat_contributions", d.RepeatContributions)
	v.SetDefault("registry_path", d.RegistryPath)
	v.SetDefault("beacon_url", d.BeaconURL)
	v.SetDefault("beacon_value", d.BeaconValue)
	v.SetDefault("beacon_retry", d.BeaconRetry)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("enable_audit", d.EnableAudit)
	v.SetDefault("audit_log_path", d.AuditLogPath)
}

// LoadConfig merges defaults, an optional config file, CEREMONY_* env
// variables and flags, in increasing precedence
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CEREMONY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	if flags != nil {
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if isConfigKey(key) {
				_ = v.BindPFlag(key, f)
			}
		})
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return config, nil
}

func isConfigKey(key string) bool {
	switch key {
	case "listen_addr", "data_dir", "mode", "quorum", "turn_timeout", "drop_policy",
		"max_misses", "repeat_contributions", "registry_path", "beacon_url",
		"beacon_value", "beacon_retry", "log_level", "log_file", "audit_log_path",
		"rate_per_second", "rate_burst", "await_timeout", "enable_audit":
		return true
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if _, err := ceremony.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := ceremony.ParseDropPolicy(c.DropPolicy); err != nil {
		return err
	}
	if c.Quorum < 0 {
		return fmt.Errorf("quorum must not be negative")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn_timeout must be positive")
	}
	if c.BeaconRetry <= 0 {
		return fmt.Errorf("beacon_retry must be positive")
	}
	if c.RatePerSecond < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.BeaconURL != "" && c.BeaconValue != "" {
		return fmt.Errorf("set only one of beacon_url and beacon_value")
	}
	return nil
}

// CeremonyConfig builds the coordinator settings
func (c *Config) CeremonyConfig(store ceremony.Store, log *Logger, m *metrics.Metrics) (ceremony.Config, error) {
	mode, err := ceremony.ParseMode(c.Mode)
	if err != nil {
		return ceremony.Config{}, err
	}
	policy, err := ceremony.ParseDropPolicy(c.DropPolicy)
	if err != nil {
		return ceremony.Config{}, err
	}
	cfg := ceremony.DefaultConfig()
	cfg.Mode = mode
	cfg.Quorum = c.Quorum
	cfg.TurnTimeout = c.TurnTimeout
	cfg.DropPolicy = policy
	cfg.MaxMisses = c.MaxMisses
	cfg.RepeatContributions = c.RepeatContributions
	cfg.BeaconRetry = c.BeaconRetry
	cfg.Store = store
	cfg.Logger = log.Zerolog().With().Str("component", "coordinator").Logger()
	cfg.Metrics = m
	switch {
	case c.BeaconURL != "":
		cfg.Beacon = &ceremony.HTTPBeacon{URL: c.BeaconURL}
	case c.BeaconValue != "":
		cfg.Beacon = ceremony.StaticBeacon(c.BeaconValue)
	}
	return cfg, cfg.Validate()
}
