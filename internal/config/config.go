// Package config loads dotvault settings from defaults, an optional YAML
// file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	AppName = "dotvault"

	AccountsFile = "accounts.db"
	WorkDBFile   = "dotvault.db"
	// ArtifactSuffix is appended to the working database name for the
	// encrypted form.
	ArtifactSuffix = ".dotf"
	FileName       = "config.yaml"

	EnvConfig    = "DOTVAULT_CONFIG"
	EnvDataDir   = "DOTVAULT_DATA_DIR"
	EnvBackupDir = "DOTVAULT_BACKUP_DIR"
	EnvPortable  = "DOTVAULT_PORTABLE"
	EnvLogLevel  = "DOTVAULT_LOG_LEVEL"
)

// Config is the complete runtime configuration.
//
// YAML example:
//
//	data_dir: /home/alice/.local/share/dotvault
//	backup_dir: /home/alice/.local/share/dotvault-backups
//	kdf:
//	  password_iterations: 130000
//	  wrap_iterations: 160000
//	  legacy_iterations: 160000
//	lockout:
//	  threshold: 5
//	  duration: 5m
//	backup:
//	  enabled: true
//	  retention: 2
//	storage:
//	  busy_timeout: 5s
//	auth:
//	  min_password_length: 6
//	logging:
//	  level: info
type Config struct {
	DataDir   string      `yaml:"data_dir"`
	BackupDir string      `yaml:"backup_dir"`
	KDF       KDFConf     `yaml:"kdf"`
	Lockout   LockoutConf `yaml:"lockout"`
	Backup    BackupConf  `yaml:"backup"`
	Storage   StorageConf `yaml:"storage"`
	Auth      AuthConf    `yaml:"auth"`
	Logging   LoggingConf `yaml:"logging"`
}

// KDFConf holds PBKDF2 iteration counts. Password hashes never go below
// 100000 regardless of this setting.
type KDFConf struct {
	PasswordIterations int `yaml:"password_iterations"`
	WrapIterations     int `yaml:"wrap_iterations"`
	// LegacyIterations must match what old password-encrypted artifacts
	// were written with.
	LegacyIterations int `yaml:"legacy_iterations"`
}

// LockoutConf configures login throttling.
type LockoutConf struct {
	Threshold int           `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
}

// BackupConf controls automatic snapshots.
type BackupConf struct {
	Enabled   bool `yaml:"enabled"`
	Retention int  `yaml:"retention"`
}

// StorageConf holds settings shared by both database files.
type StorageConf struct {
	// BusyTimeout is how long to wait for a file lock held elsewhere.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type AuthConf struct {
	MinPasswordLength int `yaml:"min_password_length"`
}

type LoggingConf struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration for the current user.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:   dataDir,
		BackupDir: defaultBackupDir(dataDir),
		KDF: KDFConf{
			PasswordIterations: 130000,
			WrapIterations:     160000,
			LegacyIterations:   160000,
		},
		Lockout: LockoutConf{
			Threshold: 5,
			Duration:  300 * time.Second,
		},
		Backup: BackupConf{
			Enabled:   true,
			Retention: 2,
		},
		Storage: StorageConf{
			BusyTimeout: 5 * time.Second,
		},
		Auth: AuthConf{
			MinPasswordLength: 6,
		},
		Logging: LoggingConf{
			Level: "warn",
		},
	}
}

func defaultDataDir() string {
	if os.Getenv(EnvPortable) == "1" {
		if wd, err := os.Getwd(); err == nil {
			return filepath.Join(wd, "data")
		}
	}
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, AppName)
		}
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", AppName)
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// defaultBackupDir puts snapshots next to the data directory, never inside it.
func defaultBackupDir(dataDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(dataDir)), AppName+"-backups")
}

// Load builds the configuration. path may be empty, in which case
// DOTVAULT_CONFIG and then <data_dir>/config.yaml are tried. A missing
// file is not an error unless it was named explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		dataDir := cfg.DataDir
		if env := os.Getenv(EnvDataDir); env != "" {
			dataDir = env
		}
		path = filepath.Join(dataDir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		log.WithField("path", path).Debug("loaded config file")
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
		if os.Getenv(EnvBackupDir) == "" {
			c.BackupDir = defaultBackupDir(v)
		}
	}
	if v := os.Getenv(EnvBackupDir); v != "" {
		c.BackupDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects settings the vault cannot work with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.KDF.PasswordIterations <= 0 || c.KDF.WrapIterations <= 0 || c.KDF.LegacyIterations <= 0 {
		return errors.New("kdf iteration counts must be positive")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout.threshold must be positive")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("lockout.duration must be positive")
	}
	if c.Backup.Enabled {
		if c.BackupDir == "" {
			return errors.New("backup_dir must be set when backups are enabled")
		}
		if c.Backup.Retention <= 0 {
			return errors.New("backup.retention must be positive")
		}
		data, err := filepath.Abs(c.DataDir)
		if err != nil {
			return err
		}
		backup, err := filepath.Abs(c.BackupDir)
		if err != nil {
			return err
		}
		if rel, err := filepath.Rel(data, backup); err == nil && filepath.IsLocal(rel) {
			return fmt.Errorf("backup_dir %s must be outside data_dir", c.BackupDir)
		}
	}
	if c.Storage.BusyTimeout < 0 {
		return errors.New("storage.busy_timeout must not be negative")
	}
	if c.Auth.MinPasswordLength < 1 {
		return errors.New("auth.min_password_length must be at least 1")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// AccountsPath is the account store file
func (c *Config) AccountsPath() string {
	return filepath.Join(c.DataDir, AccountsFile)
}

// WorkDBPath is the plaintext working database, present only while unlocked
func (c *Config) WorkDBPath() string {
	return filepath.Join(c.DataDir, WorkDBFile)
}

// ArtifactPath is the encrypted working database
func (c *Config) ArtifactPath() string {
	return c.WorkDBPath() + ArtifactSuffix
}
