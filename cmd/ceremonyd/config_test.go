package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/store"
)

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ceremony.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: open\nquorum: 4\nturn_timeout: 90s\nlisten_addr: 0.0.0.0:9000\n"), 0o600))

	t.Setenv("CEREMONY_QUORUM", "6")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen-addr", "", "")
	flags.String("unrelated", "", "")
	require.NoError(t, flags.Parse([]string{"--listen-addr", "127.0.0.1:9999", "--unrelated", "x"}))

	config, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "open", config.Mode)
	assert.Equal(t, 6, config.Quorum, "env overrides file")
	assert.Equal(t, 90*time.Second, config.TurnTimeout)
	assert.Equal(t, "127.0.0.1:9999", config.ListenAddr, "flag overrides file")
	assert.Equal(t, DefaultConfig().DropPolicy, config.DropPolicy)
	require.NoError(t, config.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"bad mode", func(c *Config) { c.Mode = "lottery" }},
		{"bad policy", func(c *Config) { c.DropPolicy = "ignore" }},
		{"negative quorum", func(c *Config) { c.Quorum = -1 }},
		{"zero timeout", func(c *Config) { c.TurnTimeout = 0 }},
		{"zero retry", func(c *Config) { c.BeaconRetry = 0 }},
		{"negative rate", func(c *Config) { c.RatePerSecond = -1 }},
		{"two beacons", func(c *Config) { c.BeaconURL = "http://x"; c.BeaconValue = "abc" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestCeremonyConfig(t *testing.T) {
	log, err := NewLogger("error", "", "")
	require.NoError(t, err)
	defer log.Close()

	c := DefaultConfig()
	c.BeaconValue = "0xfeed"
	cfg, err := c.CeremonyConfig(&store.Memory{}, log, nil)
	require.NoError(t, err)
	assert.Equal(t, ceremony.ModeQueue, cfg.Mode)
	assert.Equal(t, ceremony.StaticBeacon("0xfeed"), cfg.Beacon)

	c = DefaultConfig()
	c.Mode = string(ceremony.ModeOpen)
	_, err = c.CeremonyConfig(&store.Memory{}, log, nil)
	assert.Error(t, err, "open mode without a quorum")

	c.Quorum = 3
	c.BeaconURL = "http://beacon.example/public/latest"
	cfg, err = c.CeremonyConfig(&store.Memory{}, log, nil)
	require.NoError(t, err)
	assert.IsType(t, &ceremony.HTTPBeacon{}, cfg.Beacon)
}
