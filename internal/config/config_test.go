package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvConfig, EnvDataDir, EnvBackupDir, EnvPortable, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestDefaultsAreValid(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, 300*time.Second, cfg.Lockout.Duration)
	assert.Equal(t, 2, cfg.Backup.Retention)
	assert.Equal(t, 6, cfg.Auth.MinPasswordLength)
	assert.Equal(t, 130000, cfg.KDF.PasswordIterations)
	assert.Equal(t, 160000, cfg.KDF.WrapIterations)
	assert.Equal(t, filepath.Dir(cfg.DataDir), filepath.Dir(cfg.BackupDir), "backups live beside the data dir")
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, FileName), []byte(`
lockout:
  threshold: 3
  duration: 1m
backup:
  retention: 4
storage:
  busy_timeout: 2s
logging:
  level: debug
`), 0600))

	t.Setenv(EnvDataDir, dataDir)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(root, "dotvault-backups"), cfg.BackupDir)
	assert.Equal(t, 3, cfg.Lockout.Threshold)
	assert.Equal(t, time.Minute, cfg.Lockout.Duration)
	assert.True(t, cfg.Backup.Enabled, "unset keys keep their defaults")
	assert.Equal(t, 4, cfg.Backup.Retention)
	assert.Equal(t, 2*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)

	assert.Equal(t, filepath.Join(dataDir, "dotvault.db.dotf"), cfg.ArtifactPath())
	assert.Equal(t, filepath.Join(dataDir, "accounts.db"), cfg.AccountsPath())
}

func TestLoadExplicitMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lockout: [unterminated"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestPortableMode(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPortable, "1")
	wd, err := os.Getwd()
	require.NoError(t, err)

	cfg := Default()
	assert.Equal(t, filepath.Join(wd, "data"), cfg.DataDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"zero threshold", func(c *Config) { c.Lockout.Threshold = 0 }},
		{"zero duration", func(c *Config) { c.Lockout.Duration = 0 }},
		{"zero retention", func(c *Config) { c.Backup.Retention = 0 }},
		{"backup inside data", func(c *Config) { c.BackupDir = filepath.Join(c.DataDir, "bk") }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad iterations", func(c *Config) { c.KDF.WrapIterations = 0 }},
		{"min length", func(c *Config) { c.Auth.MinPasswordLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DataDir = "/tmp/dotvault-test"
			cfg.BackupDir = "/tmp/dotvault-test-backups"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Backup.Enabled = false
	cfg.BackupDir = ""
	assert.NoError(t, cfg.Validate(), "backup dir is optional when backups are off")
}
