package core

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/storage"
)

// UserOption adjusts an account created by CreateUser.
type UserOption func(*storage.User)

// WithRole sets the role of the new account (default storage.RoleUser)
func WithRole(role storage.Role) UserOption {
	return func(u *storage.User) {
		u.Role = role
	}
}

// CreateUser adds an account. acting must be the active administrator
// session; the new account's key wrapper seals the master key that session
// already holds.
func (v *Vault) CreateUser(ctx context.Context, acting *Session, username string, password []byte, opts ...UserOption) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireAdmin(acting); err != nil {
		return nil, err
	}
	if !acting.HasMasterKey() {
		return nil, ErrMasterKeyUnavailable
	}

	username, err := normalizeUsername(username)
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

	u := &storage.User{Username: username, PasswordHash: hash, Role: storage.RoleUser, CreatedAt: v.now().UTC()}
	for _, opt := range opts {
		opt(u)
	}
	if err := v.store.CreateUser(u); err != nil {
		return nil, err
	}

	kApp, err := v.keys.CreateAndStoreWrapper(u.ID, password, acting.masterKey)
	if err != nil {
		// An account without a wrapper could never open the database.
		if delErr := v.store.DeleteUser(u.ID); delErr != nil {
			log.WithError(delErr).Error("failed to roll back account without key wrapper")
		}
		return nil, fmt.Errorf("failed to create key wrapper: %w", err)
	}
	crypto.ClearBytes(kApp)

	log.WithFields(log.Fields{"user": u.Username, "role": u.Role, "by": acting.Username}).Info("created account")
	u.PasswordHash = ""
	return u, nil
}

// DeleteUser removes an account and its key wrappers. The first
// administrator, the last administrator and the acting account itself
// cannot be deleted.
func (v *Vault) DeleteUser(ctx context.Context, acting *Session, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireAdmin(acting); err != nil {
		return err
	}

	target, err := v.store.GetUserByUsername(username)
	if err != nil {
		return err
	}
	if target.ID == acting.UserID {
		return fmt.Errorf("%w: cannot delete the logged-in account", ErrProtectedAccount)
	}
	if target.IsAdmin() {
		users, err := v.store.ListUsers()
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		var admins []storage.User
		for _, u := range users {
			if u.IsAdmin() {
				admins = append(admins, u)
			}
		}
		// ListUsers is ordered by id, so admins[0] is the first administrator.
		if len(admins) > 0 && admins[0].ID == target.ID {
			return fmt.Errorf("%w: %s is the primary administrator", ErrProtectedAccount, target.Username)
		}
		if len(admins) <= 1 {
			return fmt.Errorf("%w: %s is the last administrator", ErrProtectedAccount, target.Username)
		}
	}

	if err := v.store.DeleteUser(target.ID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := v.guard.ClearFailures(target.Username); err != nil {
		log.WithError(err).Warn("failed to clear lockout state of deleted user")
	}
	log.WithFields(log.Fields{"user": target.Username, "by": acting.Username}).Info("deleted account")
	return nil
}

// ChangePassword replaces a user's password after verifying the old one.
// The master key is recovered from the active session when it belongs to
// the user, otherwise by unwrapping with the old password. Failed
// verifications count towards the lockout like failed logins.
func (v *Vault) ChangePassword(ctx context.Context, userID uint64, oldPassword, newPassword []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}

	user, err := v.store.GetUser(userID)
	if err != nil {
		return err
	}
	locked, remaining, err := v.guard.CheckLocked(user.Username)
	if err != nil {
		log.WithError(err).Warn("lockout state unavailable, allowing password change")
	} else if locked {
		return &LockedError{Remaining: remaining}
	}
	if !crypto.VerifyPassword(oldPassword, user.PasswordHash) {
		return v.failLogin(user.Username, nil)
	}
	if err := v.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := crypto.HashPassword(newPassword, v.cfg.KDF.PasswordIterations)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	active := v.session
	if active != nil && active.UserID != userID {
		active = nil
	}

	var kApp []byte
	if active != nil && active.HasMasterKey() {
		kApp = append([]byte(nil), active.masterKey...)
	} else {
		w, err := v.keys.LoadWrapperForUser(userID)
		if err != nil {
			return err
		}
		if w == nil {
			return ErrMasterKeyUnavailable
		}
		kApp, err = v.keys.Unwrap(oldPassword, w)
		if err != nil {
			return &CredentialsError{AttemptsRemaining: -1, Cause: err}
		}
	}
	defer crypto.ClearBytes(kApp)

	if err := v.keys.Rotate(userID, newPassword, kApp, hash); err != nil {
		return err
	}
	v.afterPasswordChange(user.Username)
	return nil
}

func (v *Vault) afterPasswordChange(username string) {
	if err := v.guard.ClearFailures(username); err != nil {
		log.WithError(err).Warn("failed to clear lockout state")
	}
	// Old wrappers and hashes leave free pages behind.
	if err := v.store.Compact(); err != nil {
		log.WithError(err).Warn("failed to compact account store")
	}
	log.WithField("user", username).Info("password changed")
}

// ResetPassword gives another account a new password and wraps the acting
// administrator's master key for it. Accounts that predate key wrapping
// regain access this way once the installation has a master key.
func (v *Vault) ResetPassword(ctx context.Context, acting *Session, username string, newPassword []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireAdmin(acting); err != nil {
		return err
	}
	if !acting.HasMasterKey() {
		return ErrMasterKeyUnavailable
	}

	target, err := v.store.GetUserByUsername(username)
	if err != nil {
		return err
	}
	if target.ID == acting.UserID {
		return fmt.Errorf("%w: use ChangePassword for the logged-in account", ErrProtectedAccount)
	}
	if err := v.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := crypto.HashPassword(newPassword, v.cfg.KDF.PasswordIterations)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := v.keys.Rotate(target.ID, newPassword, acting.masterKey, hash); err != nil {
		return err
	}
	log.WithFields(log.Fields{"user": target.Username, "by": acting.Username}).Info("password reset")
	v.afterPasswordChange(target.Username)
	return nil
}

// VerifyPassword checks a password without unlocking anything. Failures
// count towards the lockout.
func (v *Vault) VerifyPassword(ctx context.Context, username string, password []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}

	locked, remaining, err := v.guard.CheckLocked(username)
	if err != nil {
		log.WithError(err).Warn("lockout state unavailable")
	} else if locked {
		return &LockedError{Remaining: remaining}
	}
	user, err := v.store.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			v.rejectUnknown(password)
			return v.failLogin(username, err)
		}
		return err
	}
	if !crypto.VerifyPassword(password, user.PasswordHash) {
		return v.failLogin(username, nil)
	}
	if err := v.guard.ClearFailures(username); err != nil {
		log.WithError(err).Warn("failed to clear lockout state")
	}
	return nil
}

// ListUsers returns every account ordered by id. Password hashes are
// stripped.
func (v *Vault) ListUsers(ctx context.Context) ([]storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}

	users, err := v.store.ListUsers()
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

// UserByName looks up an account without its password hash
func (v *Vault) UserByName(username string) (*storage.User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	u, err := v.store.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = ""
	return u, nil
}

func (v *Vault) requireAdmin(acting *Session) error {
	if v.closed {
		return ErrClosed
	}
	if acting == nil || v.session != acting {
		return ErrNoSession
	}
	if !acting.IsAdmin() {
		return ErrPermissionDenied
	}
	return nil
}
