package core

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/illarion/dotvault/internal/fsutil"
	"github.com/illarion/dotvault/internal/workdb"
)

// sidecars are files SQLite may leave next to the working database.
var sidecars = []string{"-journal", "-wal", "-shm"}

// Logout seals the session and ends it.
func (v *Vault) Logout(ctx context.Context, s *Session) error {
	return v.Seal(ctx, s)
}

// Seal encrypts the working database into the artifact and removes the
// plaintext. On failure the plaintext and the previous artifact are left
// exactly as they were and the session stays usable.
func (v *Vault) Seal(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if s == nil || v.session != s {
		return ErrNoSession
	}
	return v.seal(context.WithoutCancel(ctx), s)
}

func (v *Vault) seal(ctx context.Context, s *Session) error {
	v.setState(StateRelocking)

	if err := s.detach(); err != nil {
		log.WithError(err).Warn("failed to close working database")
	}

	plain := v.cfg.WorkDBPath()
	artifact := v.cfg.ArtifactPath()

	if !fsutil.Exists(plain) {
		log.Warn("working database vanished before sealing; keeping the existing artifact")
		v.endSession(s)
		return nil
	}

	key := s.keySource()
	if key == nil {
		v.reattach(ctx, s)
		v.setState(StateError)
		return errors.New("no key available to seal the working database")
	}

	tmp := artifact + ".tmp"
	if err := v.encryptFile(plain, tmp, key); err != nil {
		os.Remove(tmp)
		v.reattach(ctx, s)
		v.setState(StateError)
		return fmt.Errorf("failed to encrypt working database: %w", err)
	}
	if err := fsutil.ReplaceFile(tmp, artifact); err != nil {
		os.Remove(tmp)
		v.reattach(ctx, s)
		v.setState(StateError)
		return err
	}

	// The artifact is now the authoritative copy.
	var shredErr error
	for _, p := range append([]string{plain}, sidecarPaths(plain)...) {
		if err := fsutil.Shred(p); err != nil {
			log.WithError(err).WithField("file", p).Error("failed to remove plaintext")
			shredErr = errors.Join(shredErr, err)
		}
	}

	log.WithFields(log.Fields{"user": s.Username, "session": s.ID, "master_key": s.HasMasterKey()}).Info("sealed")
	v.endSession(s)

	if v.backups != nil {
		if _, err := v.backups.Backup(); err != nil {
			log.WithError(err).Warn("backup after seal failed")
		}
	}

	if shredErr != nil {
		return fmt.Errorf("sealed, but failed to remove the working database: %w", shredErr)
	}
	return nil
}

func sidecarPaths(path string) []string {
	out := make([]string, 0, len(sidecars))
	for _, suffix := range sidecars {
		out = append(out, path+suffix)
	}
	return out
}

func (v *Vault) endSession(s *Session) {
	s.clear()
	v.session = nil
	v.setState(StateLocked)
}

// reattach reopens the working database after a failed seal
func (v *Vault) reattach(ctx context.Context, s *Session) {
	db, err := workdb.Open(ctx, v.cfg.WorkDBPath(), v.cfg.Storage.BusyTimeout)
	if err != nil {
		log.WithError(err).Error("failed to reopen working database after failed seal")
		return
	}
	s.attach(db)
}
