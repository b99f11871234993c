package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize = 16 // Salt size in bytes
	KeySize  = 32 // AES-256 key size
	// NonceSize is 16 bytes rather than the GCM default of 12 so that
	// artifacts and wrappers keep a fixed 16-byte nonce field.
	NonceSize = 16
	TagSize   = 16 // GCM authentication tag size

	LegacyIterations = 160000 // PBKDF2 iterations for password-encrypted artifacts
	WrapIterations   = 160000 // PBKDF2 iterations for key wrappers
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrAuthFailed        = errors.New("authentication failed")
)

// KDF handles key derivation from passwords
type KDF struct {
	Salt       []byte
	Iterations int
}

// NewKDF creates a new KDF with a random salt
func NewKDF(iterations int) (*KDF, error) {
	salt, err := GenerateRandom(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &KDF{
		Salt:       salt,
		Iterations: iterations,
	}, nil
}

// DeriveKey derives an encryption key from a password
func (k *KDF) DeriveKey(password []byte) []byte {
	return pbkdf2.Key(password, k.Salt, k.Iterations, KeySize, sha256.New)
}

// Sealed is the output of a detached AEAD seal.
type Sealed struct {
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

// Encryptor provides authenticated encryption with a detached tag
type Encryptor struct {
	key []byte
}

// NewEncryptor creates a new encryptor with the given key
func NewEncryptor(key []byte) *Encryptor {
	return &Encryptor{
		key: key,
	}
}

func (e *Encryptor) aead() (cipher.AEAD, error) {
	if len(e.key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(e.key))
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext using AES-256-GCM, binding aad to the result.
func (e *Encryptor) Seal(plaintext, aad []byte) (*Sealed, error) {
	nonce, err := GenerateRandom(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.SealWithNonce(nonce, plaintext, aad)
}

// SealWithNonce is Seal with a caller-chosen nonce. The nonce must never
// be reused with the same key.
func (e *Encryptor) SealWithNonce(nonce, plaintext, aad []byte) (*Sealed, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	out := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagSize
	return &Sealed{
		Nonce:      nonce,
		Tag:        out[split:],
		Ciphertext: out[:split],
	}, nil
}

// Open verifies the tag and decrypts. Any mismatch yields ErrAuthFailed.
func (e *Encryptor) Open(nonce, tag, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(ciphertext)+TagSize)
	buf = append(buf, ciphertext...)
	buf = append(buf, tag...)

	plaintext, err := gcm.Open(nil, nonce, buf, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Destroy clears the encryptor's key from memory
func (e *Encryptor) Destroy() {
	ClearBytes(e.key)
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateRandom generates n random bytes
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
