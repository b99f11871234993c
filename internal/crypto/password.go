package crypto

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultPasswordIterations = 130000
	MinPasswordIterations     = 100000
	passwordHashSize          = 32
)

// HashPassword returns "<iterations>$<salt_hex>$<hash_hex>" for password.
// Iteration counts below MinPasswordIterations are raised to the minimum.
func HashPassword(password []byte, iterations int) (string, error) {
	if iterations < MinPasswordIterations {
		iterations = MinPasswordIterations
	}
	kdf, err := NewKDF(iterations)
	if err != nil {
		return "", err
	}
	key := kdf.DeriveKey(password)
	defer ClearBytes(key)

	return fmt.Sprintf("%d$%s$%s", iterations, hex.EncodeToString(kdf.Salt), hex.EncodeToString(key)), nil
}

// DecoyPasswordHash returns a well-formed hash with the same cost as
// HashPassword that no password verifies against. Verifying against it
// costs as much as verifying a real account.
func DecoyPasswordHash(iterations int) (string, error) {
	if iterations < MinPasswordIterations {
		iterations = MinPasswordIterations
	}
	salt, err := GenerateRandom(SaltSize)
	if err != nil {
		return "", err
	}
	expected, err := GenerateRandom(passwordHashSize)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d$%s$%s", iterations, hex.EncodeToString(salt), hex.EncodeToString(expected)), nil
}

// VerifyPassword re-derives with the parameters stored in hash and compares
// in constant time. Malformed hashes never verify.
func VerifyPassword(password []byte, hash string) bool {
	parts := strings.Split(hash, "$")
	if len(parts) != 3 {
		return false
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return false
	}
	expected, err := hex.DecodeString(parts[2])
	if err != nil || len(expected) != passwordHashSize {
		return false
	}

	kdf := &KDF{Salt: salt, Iterations: iterations}
	key := kdf.DeriveKey(password)
	defer ClearBytes(key)

	return ConstantTimeCompare(key, expected)
}
