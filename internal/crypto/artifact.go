package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/illarion/dotvault/internal/fsutil"
)

var (
	// Magic opens every encrypted artifact.
	Magic = []byte("DOTFDB")

	// ErrCryptoFailure covers every way an artifact can fail to decrypt:
	// bad header, wrong key, tampered ciphertext or tag.
	ErrCryptoFailure = errors.New("wrong password or corrupted file")
)

const (
	ArtifactVersion = 1
	headerFixedSize = 6 + 1 + 2 // magic | version | salt length
)

// KeySource yields the final AES key for an artifact with the given salt.
type KeySource interface {
	Key(salt []byte) []byte
}

// MasterKey is an already-derived 32-byte key. The artifact salt is ignored.
type MasterKey []byte

func (m MasterKey) Key([]byte) []byte {
	return append([]byte(nil), m...)
}

// PasswordKey derives the key from a password and the artifact salt.
// This is how artifacts were protected before key wrapping existed.
type PasswordKey struct {
	Password   []byte
	Iterations int
}

func (p PasswordKey) Key(salt []byte) []byte {
	iters := p.Iterations
	if iters <= 0 {
		iters = LegacyIterations
	}
	kdf := &KDF{Salt: salt, Iterations: iters}
	return kdf.DeriveKey(p.Password)
}

// Artifact is a parsed encrypted database file.
type Artifact struct {
	Version    byte
	Salt       []byte
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

func header(version byte, salt []byte) []byte {
	h := make([]byte, 0, headerFixedSize+len(salt))
	h = append(h, Magic...)
	h = append(h, version)
	h = binary.BigEndian.AppendUint16(h, uint16(len(salt)))
	return append(h, salt...)
}

// Marshal returns the on-disk encoding of the artifact.
func (a *Artifact) Marshal() []byte {
	h := header(a.Version, a.Salt)
	out := make([]byte, 0, len(h)+NonceSize+TagSize+len(a.Ciphertext))
	out = append(out, h...)
	out = append(out, a.Nonce...)
	out = append(out, a.Tag...)
	return append(out, a.Ciphertext...)
}

// ParseArtifact validates the header and splits the fields. It does not
// authenticate the ciphertext.
func ParseArtifact(data []byte) (*Artifact, error) {
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("%w: truncated header", ErrCryptoFailure)
	}
	if !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, fmt.Errorf("%w: invalid magic", ErrCryptoFailure)
	}
	version := data[len(Magic)]
	if version != ArtifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCryptoFailure, version)
	}
	saltLen := int(binary.BigEndian.Uint16(data[len(Magic)+1:]))
	rest := data[headerFixedSize:]
	if len(rest) < saltLen+NonceSize+TagSize {
		return nil, fmt.Errorf("%w: truncated body", ErrCryptoFailure)
	}

	return &Artifact{
		Version:    version,
		Salt:       rest[:saltLen],
		Nonce:      rest[saltLen : saltLen+NonceSize],
		Tag:        rest[saltLen+NonceSize : saltLen+NonceSize+TagSize],
		Ciphertext: rest[saltLen+NonceSize+TagSize:],
	}, nil
}

// EncryptBytes seals plaintext into an artifact under key.
func EncryptBytes(plaintext []byte, key KeySource) (*Artifact, error) {
	salt, err := GenerateRandom(SaltSize)
	if err != nil {
		return nil, err
	}
	k := key.Key(salt)
	enc := NewEncryptor(k)
	defer enc.Destroy()

	sealed, err := enc.Seal(plaintext, header(ArtifactVersion, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return &Artifact{
		Version:    ArtifactVersion,
		Salt:       salt,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		Ciphertext: sealed.Ciphertext,
	}, nil
}

// DecryptBytes authenticates and decrypts an encoded artifact.
func DecryptBytes(data []byte, key KeySource) ([]byte, error) {
	a, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}
	k := key.Key(a.Salt)
	enc := NewEncryptor(k)
	defer enc.Destroy()

	plaintext, err := enc.Open(a.Nonce, a.Tag, a.Ciphertext, header(a.Version, a.Salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// EncryptFile encrypts plainPath into destPath. The destination is synced
// before returning and removed again on any failure.
func EncryptFile(plainPath, destPath string, key KeySource) error {
	plaintext, err := os.ReadFile(plainPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", plainPath, err)
	}
	defer ClearBytes(plaintext)

	a, err := EncryptBytes(plaintext, key)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileSync(destPath, a.Marshal(), fsutil.FilePermSecure); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to write encrypted file: %w", err)
	}
	return nil
}

// DecryptFile decrypts artifactPath into destPath. Plaintext only appears
// at destPath after the tag verified, so a failure never leaves partial
// plaintext behind.
func DecryptFile(artifactPath, destPath string, key KeySource) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to read encrypted file: %w", err)
	}
	plaintext, err := DecryptBytes(data, key)
	if err != nil {
		return err
	}
	defer ClearBytes(plaintext)

	if err := fsutil.WriteFileAtomic(destPath, plaintext, fsutil.FilePermSecure); err != nil {
		return fmt.Errorf("failed to write decrypted file: %w", err)
	}
	return nil
}

// ProbeArtifact checks that the file at path carries a well-formed header.
// It needs no key and so cannot detect ciphertext tampering.
func ProbeArtifact(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	head := make([]byte, headerFixedSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("%w: truncated header", ErrCryptoFailure)
	}
	if !bytes.Equal(head[:len(Magic)], Magic) {
		return fmt.Errorf("%w: invalid magic", ErrCryptoFailure)
	}
	if head[len(Magic)] != ArtifactVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCryptoFailure, head[len(Magic)])
	}
	saltLen := int64(binary.BigEndian.Uint16(head[len(Magic)+1:]))
	if info.Size() < headerFixedSize+saltLen+NonceSize+TagSize {
		return fmt.Errorf("%w: truncated body", ErrCryptoFailure)
	}
	return nil
}
