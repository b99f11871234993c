// Package backup keeps timestamped copies of the vault files outside the
// data directory and puts them back when a file is missing or fails its
// integrity probe.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/illarion/dotvault/internal/fsutil"
	"github.com/illarion/dotvault/internal/security"
)

// SnapshotLayout names snapshot directories. Microseconds keep two
// snapshots taken in the same second apart.
const SnapshotLayout = "20060102_150405.000000"

const DefaultRetention = 2

var (
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
	ErrNoBackupDir          = errors.New("backup directory not configured")
)

// Target is one file of the data directory that gets backed up.
type Target struct {
	// Name is the file name inside the data directory.
	Name string
	// Probe reports whether the file at path is healthy. Nil accepts any
	// existing file.
	Probe func(path string) error
	// Copy writes a consistent copy to dst. Nil copies the file bytes.
	Copy func(dst string) error
	// RestoreMissing decides whether an absent file should come back from
	// a snapshot. Nil never restores a missing file.
	RestoreMissing func() bool
}

// Snapshot is one backup directory.
type Snapshot struct {
	Name  string
	Path  string
	Time  time.Time
	Files []string
}

// Restoration records one file put back from a snapshot.
type Restoration struct {
	Name     string
	Snapshot string
	Reason   string
}

// RestoreReport describes what RestoreIfMissingOrCorrupt found and did.
type RestoreReport struct {
	Restored []Restoration
	// Problems holds integrity failures that no snapshot could repair.
	Problems []error
}

// Manager creates, prunes and restores snapshots.
type Manager struct {
	dataDir   string
	backupDir string
	retention int
	targets   []Target
	now       func() time.Time
}

// New returns a Manager for targets inside dataDir. backupDir must live
// outside dataDir.
func New(dataDir, backupDir string, retention int, targets []Target) (*Manager, error) {
	if backupDir == "" {
		return nil, ErrNoBackupDir
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	absData, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	absBackup, err := filepath.Abs(backupDir)
	if err != nil {
		return nil, err
	}
	if rel, err := filepath.Rel(absData, absBackup); err == nil && filepath.IsLocal(rel) {
		return nil, fmt.Errorf("backup directory %s must be outside the data directory", backupDir)
	}

	return &Manager{
		dataDir:   absData,
		backupDir: absBackup,
		retention: retention,
		targets:   targets,
		now:       time.Now,
	}, nil
}

// Dir returns the backup root
func (m *Manager) Dir() string {
	return m.backupDir
}

// Backup copies every existing target into a new snapshot and prunes old
// snapshots beyond the retention count. It returns the snapshot path, or
// "" when there was nothing to copy.
func (m *Manager) Backup() (string, error) {
	if err := os.MkdirAll(m.backupDir, fsutil.DirPermSecure); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	var present []Target
	for _, t := range m.targets {
		if _, err := os.Stat(filepath.Join(m.dataDir, t.Name)); err == nil {
			present = append(present, t)
		}
	}
	if len(present) == 0 {
		return "", nil
	}

	ts := m.now().UTC()
	dir := filepath.Join(m.backupDir, ts.Format(SnapshotLayout))
	for fsutil.Exists(dir) {
		ts = ts.Add(time.Microsecond)
		dir = filepath.Join(m.backupDir, ts.Format(SnapshotLayout))
	}
	if err := os.Mkdir(dir, fsutil.DirPermSecure); err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}

	for _, t := range present {
		dst := filepath.Join(dir, t.Name)
		var err error
		if t.Copy != nil {
			err = t.Copy(dst)
		} else {
			err = fsutil.CopyFile(filepath.Join(m.dataDir, t.Name), dst)
		}
		if err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to back up %s: %w", t.Name, err)
		}
	}
	log.WithField("snapshot", filepath.Base(dir)).Info("backup created")

	if err := m.prune(); err != nil {
		return dir, err
	}
	return dir, nil
}

func (m *Manager) prune() error {
	snaps, err := m.Snapshots()
	if err != nil {
		return err
	}
	for i := m.retention; i < len(snaps); i++ {
		if err := os.RemoveAll(snaps[i].Path); err != nil {
			return fmt.Errorf("failed to remove old snapshot %s: %w", snaps[i].Name, err)
		}
		log.WithField("snapshot", snaps[i].Name).Debug("pruned snapshot")
	}
	return nil
}

// Snapshots lists snapshot directories, newest first. Directories whose
// name is not a snapshot timestamp are ignored.
func (m *Manager) Snapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := time.Parse(SnapshotLayout, e.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(m.backupDir, e.Name())
		files, _ := os.ReadDir(path)
		snap := Snapshot{Name: e.Name(), Path: path, Time: ts}
		for _, f := range files {
			if !f.IsDir() {
				snap.Files = append(snap.Files, f.Name())
			}
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.After(snaps[j].Time) })
	return snaps, nil
}

// RestoreIfMissingOrCorrupt probes every target and restores from the
// newest snapshot holding a healthy copy. Files are only ever replaced by
// snapshot copies; nothing is created from scratch here.
func (m *Manager) RestoreIfMissingOrCorrupt() (*RestoreReport, error) {
	report := &RestoreReport{}

	snaps, err := m.Snapshots()
	if err != nil {
		return report, err
	}

	validator, err := security.New(m.dataDir)
	if err != nil {
		return report, err
	}
	defer validator.Close()

	for _, t := range m.targets {
		path := filepath.Join(m.dataDir, t.Name)

		var reason string
		if _, statErr := os.Stat(path); statErr == nil {
			probeErr := probe(t, path)
			if probeErr == nil {
				continue
			}
			log.WithError(probeErr).WithField("file", t.Name).Warn("integrity check failed")
			reason = "corrupt"
			report.Problems = append(report.Problems, fmt.Errorf("%w: %s: %v", ErrIntegrityCheckFailed, t.Name, probeErr))
		} else {
			if t.RestoreMissing == nil || !t.RestoreMissing() {
				continue
			}
			reason = "missing"
		}

		restored, err := m.restoreTarget(validator, t, snaps)
		if err != nil {
			return report, err
		}
		if restored == "" {
			log.WithField("file", t.Name).Warn("no usable snapshot to restore from")
			continue
		}
		if reason == "corrupt" {
			// Repaired; drop the problem recorded above.
			report.Problems = report.Problems[:len(report.Problems)-1]
		}
		report.Restored = append(report.Restored, Restoration{Name: t.Name, Snapshot: restored, Reason: reason})
		log.WithFields(log.Fields{"file": t.Name, "snapshot": restored, "reason": reason}).Info("restored from backup")
	}
	return report, nil
}

func (m *Manager) restoreTarget(validator *security.PathValidator, t Target, snaps []Snapshot) (string, error) {
	for _, s := range snaps {
		src := filepath.Join(s.Path, t.Name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := probe(t, src); err != nil {
			log.WithError(err).WithFields(log.Fields{"file": t.Name, "snapshot": s.Name}).Warn("skipping unhealthy snapshot copy")
			continue
		}
		f, err := os.Open(src)
		if err != nil {
			return "", err
		}
		err = validator.CopyIntoRoot(f, t.Name)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to restore %s: %w", t.Name, err)
		}
		return s.Name, nil
	}
	return "", nil
}

func probe(t Target, path string) error {
	if t.Probe == nil {
		return nil
	}
	return t.Probe(path)
}
