package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/illarion/dotvault/internal/backup"
	"github.com/illarion/dotvault/internal/config"
	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/envelope"
	"github.com/illarion/dotvault/internal/fsutil"
	"github.com/illarion/dotvault/internal/lockout"
	"github.com/illarion/dotvault/internal/storage"
	"github.com/illarion/dotvault/internal/workdb"
)

// SettingLastUser remembers who logged in last, for prompts.
const SettingLastUser = "last_user"

// State is the position of the vault in its unlock/seal cycle.
type State int

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
	StateRelocking
	StateError
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	case StateRelocking:
		return "relocking"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock replaces time.Now for lockout and session bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// Vault owns the data directory: the account store, the working database
// and its encrypted artifact. All state-changing calls are serialized.
type Vault struct {
	mu sync.Mutex

	cfg            *config.Config
	store          *storage.Storage
	keys           *envelope.Manager
	guard          *lockout.Guard
	backups        *backup.Manager
	restore        *backup.RestoreReport
	installationID string
	// decoyHash is verified against when a username does not exist.
	decoyHash string

	state   State
	session *Session
	closed  bool

	now         func() time.Time
	encryptFile func(plainPath, destPath string, key crypto.KeySource) error
}

// Open prepares the vault in cfg.DataDir. It verifies the crypto backend,
// repairs missing or corrupt files from backups, opens the account store
// and takes a startup snapshot. The working database stays sealed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Vault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := crypto.SelfTest(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, fsutil.DirPermSecure); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v := &Vault{
		cfg:         cfg,
		state:       StateLocked,
		now:         time.Now,
		encryptFile: crypto.EncryptFile,
	}
	for _, opt := range opts {
		opt(v)
	}

	if cfg.Backup.Enabled {
		m, err := backup.New(cfg.DataDir, cfg.BackupDir, cfg.Backup.Retention, v.backupTargets())
		if err != nil {
			return nil, fmt.Errorf("failed to set up backups: %w", err)
		}
		v.backups = m
		// The account store is probed before it is opened; bbolt holds an
		// exclusive lock afterwards.
		report, err := m.RestoreIfMissingOrCorrupt()
		if err != nil {
			log.WithError(err).Warn("restore from backup failed")
		}
		v.restore = report
	}

	decoy, err := crypto.DecoyPasswordHash(cfg.KDF.PasswordIterations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrBackendUnavailable, err)
	}
	v.decoyHash = decoy

	store, err := storage.Open(cfg.AccountsPath(), cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		store.Close()
		return nil, err
	}
	id, err := store.GetOrCreateInstallationID()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read installation id: %w", err)
	}
	v.store = store
	v.installationID = id
	v.keys = envelope.New(store, cfg.KDF.WrapIterations)
	v.guard = lockout.New(store, cfg.Lockout.Threshold, cfg.Lockout.Duration, lockout.WithClock(v.now))

	if v.backups != nil {
		if v.restore != nil && len(v.restore.Problems) > 0 {
			// A snapshot of damaged files would push a good one out.
			log.Warn("skipping startup backup: unrepaired integrity problems")
		} else if _, err := v.backups.Backup(); err != nil {
			log.WithError(err).Warn("startup backup failed")
		}
	}

	log.WithFields(log.Fields{"data_dir": cfg.DataDir, "installation_id": id}).Debug("vault opened")
	return v, nil
}

func (v *Vault) backupTargets() []backup.Target {
	cfg := v.cfg
	return []backup.Target{
		{
			Name: config.AccountsFile,
			Probe: func(path string) error {
				if v.store != nil && samePath(path, v.store.Path()) {
					return v.store.Check()
				}
				return storage.Probe(path, cfg.Storage.BusyTimeout)
			},
			Copy: func(dst string) error {
				if v.store != nil {
					return v.store.CopyTo(dst)
				}
				return fsutil.CopyFile(cfg.AccountsPath(), dst)
			},
			// Accounts without any data next to them are a fresh install,
			// not a loss.
			RestoreMissing: func() bool {
				return fsutil.Exists(cfg.ArtifactPath()) || fsutil.Exists(cfg.WorkDBPath())
			},
		},
		{
			Name:  config.WorkDBFile + config.ArtifactSuffix,
			Probe: crypto.ProbeArtifact,
			RestoreMissing: func() bool {
				return !fsutil.Exists(cfg.WorkDBPath()) && fsutil.Exists(cfg.AccountsPath())
			},
		},
		{
			// Absent is the normal sealed state, so only corruption restores.
			Name:  config.WorkDBFile,
			Probe: workdb.QuickCheck,
		},
	}
}

func samePath(a, b string) bool {
	ca, err1 := filepath.Abs(a)
	cb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && ca == cb
}

// Close seals an active session and releases the account store.
func (v *Vault) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}

	var errs []error
	if v.session != nil {
		if err := v.seal(ctx, v.session); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.store.Close(); err != nil {
		errs = append(errs, err)
	}
	v.closed = true
	return errors.Join(errs...)
}

// State returns the current lifecycle state
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Config returns the configuration the vault was opened with.
func (v *Vault) Config() *config.Config {
	return v.cfg
}

// InstallationID identifies this data directory.
func (v *Vault) InstallationID() string {
	return v.installationID
}

// RestoreReport is what the startup integrity pass found, or nil when
// backups are disabled.
func (v *Vault) RestoreReport() *backup.RestoreReport {
	return v.restore
}

// LastUser returns the username of the last successful login, if any.
func (v *Vault) LastUser() string {
	name, _, err := v.store.GetSetting(SettingLastUser)
	if err != nil {
		log.WithError(err).Debug("failed to read last user")
	}
	return name
}

// Backup takes a snapshot now. It returns "" when backups are disabled or
// there was nothing to copy.
func (v *Vault) Backup(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return "", ErrClosed
	}
	if v.backups == nil {
		return "", nil
	}
	if v.session != nil {
		// The working database is live; copying it now could capture a
		// half-written page.
		return "", ErrSessionActive
	}
	return v.backups.Backup()
}

// Snapshots lists backup snapshots, newest first.
func (v *Vault) Snapshots() ([]backup.Snapshot, error) {
	if v.backups == nil {
		return nil, nil
	}
	return v.backups.Snapshots()
}

// StatusInfo describes the data directory without unlocking it.
type StatusInfo struct {
	State           State
	DataDir         string
	BackupDir       string
	InstallationID  string
	Created         time.Time
	ArtifactPresent bool
	WorkDBPresent   bool
	Users           int
	Wrappers        int
	LastUser        string
	ActiveUser      string
	Snapshots       []backup.Snapshot
}

// Status reports installation state (no password required).
func (v *Vault) Status(ctx context.Context) (*StatusInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}

	users, err := v.store.CountUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	wrappers, err := v.store.CountWrappers()
	if err != nil {
		return nil, fmt.Errorf("failed to count key wrappers: %w", err)
	}
	created, err := v.store.GetCreated()
	if err != nil {
		// Not critical
		created = time.Time{}
	}

	info := &StatusInfo{
		State:           v.state,
		DataDir:         v.cfg.DataDir,
		InstallationID:  v.installationID,
		Created:         created,
		ArtifactPresent: fsutil.Exists(v.cfg.ArtifactPath()),
		WorkDBPresent:   fsutil.Exists(v.cfg.WorkDBPath()),
		Users:           users,
		Wrappers:        wrappers,
		LastUser:        v.LastUser(),
	}
	if v.session != nil {
		info.ActiveUser = v.session.Username
	}
	if v.backups != nil {
		info.BackupDir = v.backups.Dir()
		snaps, err := v.backups.Snapshots()
		if err != nil {
			log.WithError(err).Warn("failed to list snapshots")
		}
		info.Snapshots = snaps
	}
	return info, nil
}

// Compact rewrites the account store to reclaim space
func (v *Vault) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	return v.store.Compact()
}

func (v *Vault) setState(s State) {
	if v.state != s {
		log.WithFields(log.Fields{"from": v.state, "to": s}).Debug("vault state")
	}
	v.state = s
}
