package main

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tauchat"
)

func defaultConfig(t *testing.T) *CLIConfig {
	t.Helper()
	config, _, err := parseCLIFlags(nil)
	require.NoError(t, err)
	return config
}

func TestParseCLIFlags(t *testing.T) {
	config, _, err := parseCLIFlags([]string{
		"-storage", "memory",
		"-dht", "memory",
		"-sync-interval", "5s",
		"-max-attempts", "0",
		"-log-format", "json",
	})
	require.NoError(t, err)
	assert.Equal(t, "memory", config.storage)
	assert.Equal(t, 5*time.Second, config.syncInterval)
	assert.Zero(t, config.maxAttempts)
	assert.NoError(t, validateCLIConfig(config))

	_, _, err = parseCLIFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestValidateCLIConfig(t *testing.T) {
	contact := strings.Repeat("ab", 32)
	tests := []struct {
		name        string
		mutate      func(c *CLIConfig)
		errContains string
	}{
		{"defaults", func(c *CLIConfig) {}, ""},
		{"contacts", func(c *CLIConfig) { c.contacts = contact + ", " + contact }, ""},
		{"unknown storage", func(c *CLIConfig) { c.storage = "disk" }, "unknown storage backend"},
		{"badger without dir", func(c *CLIConfig) { c.dataDir = "" }, "data directory"},
		{"unknown dht", func(c *CLIConfig) { c.dhtBackend = "kademlia" }, "unknown dht backend"},
		{"redis without address", func(c *CLIConfig) { c.redisAddr = "" }, "redis address"},
		{"negative cache", func(c *CLIConfig) { c.cacheSize = -1 }, "cache size"},
		{"zero interval", func(c *CLIConfig) { c.syncInterval = 0 }, "intervals"},
		{"zero backoff", func(c *CLIConfig) { c.retryBackoff = 0 }, "retry backoff"},
		{"negative attempts", func(c *CLIConfig) { c.maxAttempts = -1 }, "max attempts"},
		{"zero timeout", func(c *CLIConfig) { c.opTimeout = 0 }, "operation timeout"},
		{"bad level", func(c *CLIConfig) { c.logLevel = "LOUD" }, "log level"},
		{"bad format", func(c *CLIConfig) { c.logFormat = "xml" }, "log format"},
		{"bad contact", func(c *CLIConfig) { c.contacts = "zz" }, "invalid contact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := defaultConfig(t)
			tt.mutate(config)
			err := validateCLIConfig(config)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoadSecretKey(t *testing.T) {
	secret, err := loadSecretKey("")
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, secret)

	path := filepath.Join(t.TempDir(), "node.key")
	created, err := loadSecretKey(path)
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadSecretKey(path)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)

	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString([]byte("short"))), 0o600))
	_, err = loadSecretKey(path)
	assert.Error(t, err)
}

func TestCreateNodeOptions(t *testing.T) {
	config := defaultConfig(t)
	config.storage = "memory"
	config.dhtBackend = "memory"
	config.maxAttempts = 9

	options := createNodeOptions(config, [32]byte{1}, nil)
	assert.Equal(t, tauchat.StorageMemory, options.StorageType)
	assert.Equal(t, tauchat.DHTMemory, options.DHTType)
	assert.Equal(t, [32]byte{1}, options.SecretKey)
	assert.Equal(t, 9, options.Messaging.MaxPublishAttempts)
	assert.Equal(t, config.syncInterval, options.Messaging.SyncInterval)
}

func TestRunStopsOnCancel(t *testing.T) {
	config := defaultConfig(t)
	config.storage = "memory"
	config.dhtBackend = "memory"
	config.metricsAddr = "127.0.0.1:0"
	config.contacts = strings.Repeat("cd", 32)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, config) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
