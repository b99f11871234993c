package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/illarion/dotvault/internal/backup"
	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/envelope"
	"github.com/illarion/dotvault/internal/storage"
	"github.com/illarion/dotvault/internal/workdb"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account locked")
	// ErrDecryptionFailure is fatal. The working database is never
	// recreated empty when it happens.
	ErrDecryptionFailure     = errors.New("wrong password or corrupted file")
	ErrRegistrationClosed    = errors.New("registration is closed; ask an administrator for an account")
	ErrEncryptedStorePresent = errors.New("encrypted database present but no account can open it")
	ErrPasswordTooShort      = errors.New("password too short")
	ErrInvalidUsername       = errors.New("invalid username")
	ErrPermissionDenied      = errors.New("administrator session required")
	ErrProtectedAccount      = errors.New("account is protected")
	ErrSessionActive         = errors.New("a session is already active")
	ErrNoSession             = errors.New("no active session")
	ErrMasterKeyUnavailable  = errors.New("account has no key wrapper; an administrator must reset its password")
	ErrClosed                = errors.New("vault closed")
)

// Errors raised by lower layers, re-exported so callers only need core.
var (
	ErrUserExists               = storage.ErrUserExists
	ErrUserNotFound             = storage.ErrUserNotFound
	ErrUnlockFailure            = envelope.ErrUnlockFailure
	ErrCryptoBackendUnavailable = crypto.ErrBackendUnavailable
	ErrIntegrityCheckFailed     = backup.ErrIntegrityCheckFailed
	ErrMigrationFailure         = workdb.ErrMigrationFailure
)

// CredentialsError is a failed login. It matches ErrInvalidCredentials and
// unwraps to the underlying cause, which callers must not show to users.
type CredentialsError struct {
	// AttemptsRemaining is -1 when the failure was not counted.
	AttemptsRemaining int
	// LockedFor is set on the attempt that started a lockout.
	LockedFor time.Duration
	Cause     error
}

func (e *CredentialsError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e *CredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

func (e *CredentialsError) Unwrap() error {
	return e.Cause
}

// LockedError reports an account that is still inside its lockout window.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, try again in %d seconds", e.SecondsRemaining())
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// SecondsRemaining rounds up so a locked account never reports zero.
func (e *LockedError) SecondsRemaining() int {
	s := int((e.Remaining + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
