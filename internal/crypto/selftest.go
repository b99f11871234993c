package crypto

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrBackendUnavailable means the AEAD or KDF primitives are not usable on
// this platform. Nothing can be sealed or unlocked in that state.
var ErrBackendUnavailable = errors.New("crypto backend unavailable")

// SelfTest round-trips a fixed block through the AEAD and the KDF.
func SelfTest() error {
	key, err := GenerateRandom(KeySize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	enc := NewEncryptor(key)
	defer enc.Destroy()

	probe := []byte("dotvault self test")
	sealed, err := enc.Seal(probe, Magic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	out, err := enc.Open(sealed.Nonce, sealed.Tag, sealed.Ciphertext, Magic)
	if err != nil || !bytes.Equal(out, probe) {
		return fmt.Errorf("%w: aead round trip failed", ErrBackendUnavailable)
	}

	kdf := &KDF{Salt: make([]byte, SaltSize), Iterations: 1}
	if len(kdf.DeriveKey(probe)) != KeySize {
		return fmt.Errorf("%w: kdf output size", ErrBackendUnavailable)
	}
	return nil
}
