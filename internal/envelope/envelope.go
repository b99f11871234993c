// Package envelope shares one master key between several accounts by
// sealing it separately under a key derived from each user's password.
package envelope

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/storage"
)

// Algorithm tags every wrapper this package writes. It is also bound to
// the sealed key as associated data.
const Algorithm = "AES-GCM-PBKDF2"

var (
	ErrUnlockFailure        = errors.New("failed to unlock master key")
	ErrUnsupportedAlgorithm = errors.New("unsupported key wrapper algorithm")
	// ErrMasterKeyExists is returned when a caller asks for a fresh master
	// key while wrappers for an existing one are already stored.
	ErrMasterKeyExists = errors.New("master key already exists; wrap the unlocked key instead")
)

// WrapperStore is the persistence the manager needs.
type WrapperStore interface {
	InsertWrapper(w *storage.KeyWrapper) error
	LatestWrapper(userID uint64) (*storage.KeyWrapper, error)
	CountWrappers() (int, error)
	RotateCredentials(userID uint64, passwordHash string, w *storage.KeyWrapper) (int, error)
}

// Manager creates, loads and opens key wrappers.
type Manager struct {
	store      WrapperStore
	iterations int
	now        func() time.Time
}

// New returns a Manager deriving wrapping keys with the given PBKDF2
// iteration count. Zero selects crypto.WrapIterations.
func New(store WrapperStore, iterations int) *Manager {
	if iterations <= 0 {
		iterations = crypto.WrapIterations
	}
	return &Manager{store: store, iterations: iterations, now: time.Now}
}

// CreateAndStoreWrapper seals a master key for userID under password and
// stores the wrapper. When existing is nil a new master key is generated,
// but only if no wrapper exists anywhere in the installation. It returns
// the plaintext master key.
func (m *Manager) CreateAndStoreWrapper(userID uint64, password, existing []byte) ([]byte, error) {
	kApp := existing
	if kApp == nil {
		n, err := m.store.CountWrappers()
		if err != nil {
			return nil, fmt.Errorf("failed to count key wrappers: %w", err)
		}
		if n > 0 {
			return nil, ErrMasterKeyExists
		}
		kApp, err = crypto.GenerateRandom(crypto.KeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		log.WithField("user_id", userID).Info("generated new master key")
	} else if len(kApp) != crypto.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", crypto.KeySize, len(kApp))
	}

	w, err := m.wrap(userID, password, kApp)
	if err != nil {
		return nil, err
	}
	if err := m.store.InsertWrapper(w); err != nil {
		return nil, fmt.Errorf("failed to store key wrapper: %w", err)
	}
	log.WithFields(log.Fields{"user_id": userID, "wrapper_id": w.ID}).Debug("stored key wrapper")

	return append([]byte(nil), kApp...), nil
}

func (m *Manager) wrap(userID uint64, password, kApp []byte) (*storage.KeyWrapper, error) {
	kdf, err := crypto.NewKDF(m.iterations)
	if err != nil {
		return nil, err
	}
	wrapKey := kdf.DeriveKey(password)
	enc := crypto.NewEncryptor(wrapKey)
	defer enc.Destroy()

	sealed, err := enc.Seal(kApp, []byte(Algorithm))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}

	return &storage.KeyWrapper{
		UserID:     userID,
		Algorithm:  Algorithm,
		Iterations: m.iterations,
		Salt:       kdf.Salt,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		WrappedKey: sealed.Ciphertext,
		CreatedAt:  m.now().UTC(),
	}, nil
}

// LoadWrapperForUser returns the newest wrapper for a user, or nil.
func (m *Manager) LoadWrapperForUser(userID uint64) (*storage.KeyWrapper, error) {
	w, err := m.store.LatestWrapper(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load key wrapper: %w", err)
	}
	return w, nil
}

// Unwrap recovers the master key from w using password.
func (m *Manager) Unwrap(password []byte, w *storage.KeyWrapper) ([]byte, error) {
	if w.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, w.Algorithm)
	}
	iterations := w.Iterations
	if iterations <= 0 {
		iterations = crypto.WrapIterations
	}
	kdf := &crypto.KDF{Salt: w.Salt, Iterations: iterations}
	enc := crypto.NewEncryptor(kdf.DeriveKey(password))
	defer enc.Destroy()

	kApp, err := enc.Open(w.Nonce, w.Tag, w.WrappedKey, []byte(Algorithm))
	if err != nil {
		return nil, ErrUnlockFailure
	}
	return kApp, nil
}

// Rotate wraps kApp under newPassword and stores it together with the
// user's new password hash. Every older wrapper of the user is dropped in
// the same write, so the hash and the wrapper never disagree.
func (m *Manager) Rotate(userID uint64, newPassword, kApp []byte, passwordHash string) error {
	if len(kApp) != crypto.KeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", crypto.KeySize, len(kApp))
	}
	w, err := m.wrap(userID, newPassword, kApp)
	if err != nil {
		return err
	}
	removed, err := m.store.RotateCredentials(userID, passwordHash, w)
	if err != nil {
		return fmt.Errorf("failed to rotate key wrapper: %w", err)
	}
	log.WithFields(log.Fields{"user_id": userID, "wrapper_id": w.ID, "pruned": removed}).Debug("rotated key wrapper")
	return nil
}
