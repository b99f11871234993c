package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/envelope"
	"github.com/illarion/dotvault/internal/fsutil"
	"github.com/illarion/dotvault/internal/storage"
	"github.com/illarion/dotvault/internal/workdb"
)

const maxUsernameLength = 64

type outcomeKind int

const (
	outcomePrimary outcomeKind = iota
	outcomeLegacy
	outcomeFailed
)

// unlockOutcome is the result of opening the artifact: with the master key,
// with the key derived from the raw password, or not at all.
type unlockOutcome struct {
	kind outcomeKind
	err  error
}

// Login authenticates username and unlocks the working database. The
// returned session must be passed to Logout to seal it again.
func (v *Vault) Login(ctx context.Context, username string, password []byte) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	if v.session != nil {
		return nil, ErrSessionActive
	}
	return v.login(context.WithoutCancel(ctx), username, password)
}

// Register creates the first account of an installation as administrator
// and logs it in. Later accounts are created by an administrator with
// CreateUser.
func (v *Vault) Register(ctx context.Context, username string, password []byte) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	if v.session != nil {
		return nil, ErrSessionActive
	}

	n, err := v.store.CountUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if n > 0 {
		return nil, ErrRegistrationClosed
	}
	if fsutil.Exists(v.cfg.ArtifactPath()) && !fsutil.Exists(v.cfg.WorkDBPath()) {
		return nil, ErrEncryptedStorePresent
	}

	username, err = normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if err := v.checkPasswordPolicy(password); err != nil {
		return nil, err
	}
	hash, err := crypto.HashPassword(password, v.cfg.KDF.PasswordIterations)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &storage.User{Username: username, PasswordHash: hash, Role: storage.RoleAdmin, CreatedAt: v.now().UTC()}
	if err := v.store.CreateUser(u); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"user": username, "user_id": u.ID}).Info("registered administrator")

	sess, err := v.login(context.WithoutCancel(ctx), username, password)
	if err != nil {
		// Leave the installation open for another attempt.
		if delErr := v.store.DeleteUser(u.ID); delErr != nil {
			log.WithError(delErr).Warn("failed to roll back registration")
		}
		return nil, err
	}
	return sess, nil
}

func (v *Vault) login(ctx context.Context, username string, password []byte) (*Session, error) {
	locked, remaining, err := v.guard.CheckLocked(username)
	if err != nil {
		log.WithError(err).Warn("lockout state unavailable, allowing login")
	} else if locked {
		return nil, &LockedError{Remaining: remaining}
	}

	user, err := v.store.GetUserByUsername(username)
	if errors.Is(err, storage.ErrUserNotFound) {
		v.rejectUnknown(password)
		return nil, v.failLogin(username, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !crypto.VerifyPassword(password, user.PasswordHash) {
		return nil, v.failLogin(username, nil)
	}

	v.setState(StateUnlocking)
	sess, err := v.unlock(ctx, user, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrMasterKeyUnavailable) {
			v.setState(StateLocked)
		} else {
			v.setState(StateError)
		}
		return nil, err
	}

	if err := v.guard.ClearFailures(username); err != nil {
		log.WithError(err).Warn("failed to clear lockout state")
	}
	if err := v.store.SetSetting(SettingLastUser, username); err != nil {
		log.WithError(err).Debug("failed to remember last user")
	}
	v.session = sess
	v.setState(StateUnlocked)
	log.WithFields(log.Fields{"user": username, "session": sess.ID, "legacy": sess.LegacyPath}).Info("unlocked")
	return sess, nil
}

// rejectUnknown spends the same key derivation work as a real password
// check so a missing account is not faster to reject.
func (v *Vault) rejectUnknown(password []byte) {
	crypto.VerifyPassword(password, v.decoyHash)
}

// failLogin counts a failed attempt. Bookkeeping errors are logged and the
// attempt is reported as uncounted.
func (v *Vault) failLogin(username string, cause error) error {
	left, lockedFor, err := v.guard.RecordFailure(username)
	if err != nil {
		log.WithError(err).Warn("failed to record login failure")
		left = -1
	}
	log.WithFields(log.Fields{"user": username, "attempts_left": left}).Info("login failed")
	return &CredentialsError{AttemptsRemaining: left, LockedFor: lockedFor, Cause: cause}
}

// unlock resolves the master key and brings the working database into a
// usable state for an already authenticated user.
func (v *Vault) unlock(ctx context.Context, user *storage.User, password []byte) (_ *Session, retErr error) {
	sess := &Session{
		ID:          uuid.New(),
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		StartedAt: v.now().UTC(),
	}
	plainPath := v.cfg.WorkDBPath()
	decrypted := false
	defer func() {
		if retErr == nil {
			return
		}
		sess.detach()
		sess.clear()
		// Plaintext produced by this attempt must not outlive it.
		if decrypted {
			if shredErr := fsutil.Shred(plainPath); shredErr != nil {
				log.WithError(shredErr).Error("failed to remove working database after failed unlock")
			}
		}
	}()

	w, err := v.keys.LoadWrapperForUser(user.ID)
	if err != nil {
		return nil, err
	}
	if w != nil {
		kApp, err := v.keys.Unwrap(password, w)
		if err != nil {
			// A wrapper that does not open is an authentication failure;
			// the legacy key is not tried.
			return nil, &CredentialsError{AttemptsRemaining: -1, Cause: err}
		}
		sess.masterKey = kApp
		if removed, err := v.store.PruneWrappers(user.ID, w.ID); err != nil {
			log.WithError(err).Warn("failed to prune stale key wrappers")
		} else if removed > 0 {
			log.WithFields(log.Fields{"user": user.Username, "pruned": removed}).Debug("pruned stale key wrappers")
		}
	} else {
		n, err := v.store.CountWrappers()
		if err != nil {
			return nil, fmt.Errorf("failed to count key wrappers: %w", err)
		}
		// Once any account holds a wrapper only the shared master key may
		// seal; anything else would lock those accounts out.
		if n > 0 {
			log.WithField("user", user.Username).Warn("account has no key wrapper while others do, refusing unlock")
			return nil, ErrMasterKeyUnavailable
		}
	}

	artifactExists := fsutil.Exists(v.cfg.ArtifactPath())
	plainExists := fsutil.Exists(plainPath)

	switch {
	case artifactExists && !plainExists:
		out := v.decryptArtifact(sess.masterKey, password)
		switch out.kind {
		case outcomePrimary:
		case outcomeLegacy:
			sess.LegacyPath = true
			if sess.HasMasterKey() {
				sess.warn("database was sealed with a password key; it will be resealed with the shared master key")
			}
		case outcomeFailed:
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, out.err)
		}
		decrypted = true
	case !artifactExists && !plainExists:
		log.Info("no working database found, starting a fresh one")
	default:
		// A previous session ended without sealing. The plaintext is the
		// newest copy there is.
		log.WithField("artifact", artifactExists).Warn("recovering unsealed working database")
		sess.warn("recovered a working database that was not sealed")
	}

	if !sess.HasMasterKey() {
		if err := v.ensureMasterKey(sess, password); err != nil {
			return nil, err
		}
	}

	var db *sql.DB
	if plainExists || decrypted {
		db, err = workdb.Open(ctx, plainPath, v.cfg.Storage.BusyTimeout)
	} else {
		db, err = workdb.Create(ctx, plainPath, v.cfg.Storage.BusyTimeout)
	}
	if err != nil {
		return nil, err
	}
	sess.attach(db)

	if err := workdb.Migrate(ctx, db); err != nil {
		log.WithError(err).Warn("working database migration failed")
		sess.warn(err.Error())
	}
	return sess, nil
}

// decryptArtifact writes the working database from the artifact. The
// master key is tried first when known, then the legacy password key.
func (v *Vault) decryptArtifact(masterKey, password []byte) unlockOutcome {
	artifact := v.cfg.ArtifactPath()
	plain := v.cfg.WorkDBPath()

	var primaryErr error
	if masterKey != nil {
		primaryErr = crypto.DecryptFile(artifact, plain, crypto.MasterKey(masterKey))
		if primaryErr == nil {
			return unlockOutcome{kind: outcomePrimary}
		}
		log.WithError(primaryErr).Warn("master key did not open the database, trying password key")
	}

	legacy := crypto.PasswordKey{Password: password, Iterations: v.cfg.KDF.LegacyIterations}
	legacyErr := crypto.DecryptFile(artifact, plain, legacy)
	if legacyErr == nil {
		return unlockOutcome{kind: outcomeLegacy}
	}
	return unlockOutcome{kind: outcomeFailed, err: errors.Join(primaryErr, legacyErr)}
}

// ensureMasterKey mints the installation's master key and wraps it for the
// session's account. It never mints a second one.
func (v *Vault) ensureMasterKey(sess *Session, password []byte) error {
	kApp, err := v.keys.CreateAndStoreWrapper(sess.UserID, password, nil)
	switch {
	case err == nil:
		sess.masterKey = kApp
		log.WithField("user", sess.Username).Info("created key wrapper")
		return nil
	case errors.Is(err, envelope.ErrMasterKeyExists):
		return ErrMasterKeyUnavailable
	default:
		return fmt.Errorf("failed to create key wrapper: %w", err)
	}
}

func (v *Vault) checkPasswordPolicy(password []byte) error {
	if minLen := v.cfg.Auth.MinPasswordLength; len([]rune(string(password))) < minLen {
		return fmt.Errorf("%w: at least %d characters", ErrPasswordTooShort, minLen)
	}
	return nil
}

func normalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(name) > maxUsernameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidUsername, maxUsernameLength)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains whitespace", ErrInvalidUsername)
		}
	}
	return name, nil
}
