package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey(t *testing.T) MasterKey {
	t.Helper()
	k, err := GenerateRandom(KeySize)
	require.NoError(t, err)
	return MasterKey(k)
}

func TestEncryptorSealOpen(t *testing.T) {
	key, err := GenerateRandom(KeySize)
	require.NoError(t, err)
	enc := NewEncryptor(key)

	sealed, err := enc.Seal([]byte("secret"), []byte("aad"))
	require.NoError(t, err)
	assert.Len(t, sealed.Nonce, NonceSize)
	assert.Len(t, sealed.Tag, TagSize)
	assert.Len(t, sealed.Ciphertext, len("secret"))

	plain, err := enc.Open(sealed.Nonce, sealed.Tag, sealed.Ciphertext, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)

	_, err = enc.Open(sealed.Nonce, sealed.Tag, sealed.Ciphertext, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "work.db")
	artifact := filepath.Join(dir, "work.db.dotf")
	restored := filepath.Join(dir, "restored.db")

	payloads := map[string][]byte{
		"empty": {},
		"small": []byte("hello"),
		"large": bytes.Repeat([]byte{0xAB, 0x00, 0x17}, 100000),
	}
	key := testMasterKey(t)

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(plainPath, payload, 0600))
			require.NoError(t, EncryptFile(plainPath, artifact, key))
			require.NoError(t, DecryptFile(artifact, restored, key))

			got, err := os.ReadFile(restored)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got))
		})
	}
}

func TestLegacyPasswordKey(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "work.db")
	artifact := filepath.Join(dir, "work.db.dotf")
	require.NoError(t, os.WriteFile(plainPath, []byte("legacy data"), 0600))

	legacy := PasswordKey{Password: []byte("s3cret"), Iterations: 1000}
	require.NoError(t, EncryptFile(plainPath, artifact, legacy))

	out := filepath.Join(dir, "out.db")
	err := DecryptFile(artifact, out, PasswordKey{Password: []byte("wrong"), Iterations: 1000})
	assert.ErrorIs(t, err, ErrCryptoFailure)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "failed decrypt must not leave plaintext")

	require.NoError(t, DecryptFile(artifact, out, legacy))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "legacy data", string(got))
}

func TestTamperDetection(t *testing.T) {
	key := testMasterKey(t)
	a, err := EncryptBytes([]byte("tamper me please"), key)
	require.NoError(t, err)
	data := a.Marshal()

	// The header is associated data, so flipping it must fail too.
	for i := range data {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0x01
		plain, err := DecryptBytes(mutated, key)
		assert.ErrorIs(t, err, ErrCryptoFailure, "byte %d", i)
		assert.Nil(t, plain, "byte %d", i)
	}
}

func TestWrongMasterKey(t *testing.T) {
	a, err := EncryptBytes([]byte("data"), testMasterKey(t))
	require.NoError(t, err)

	_, err = DecryptBytes(a.Marshal(), testMasterKey(t))
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestArtifactLayout(t *testing.T) {
	a, err := EncryptBytes([]byte("abc"), testMasterKey(t))
	require.NoError(t, err)
	data := a.Marshal()

	assert.Equal(t, Magic, data[:6])
	assert.Equal(t, byte(ArtifactVersion), data[6])
	assert.Equal(t, []byte{0x00, SaltSize}, data[7:9])
	assert.Len(t, data, 9+SaltSize+NonceSize+TagSize+3)

	parsed, err := ParseArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, a.Salt, parsed.Salt)
	assert.Equal(t, a.Nonce, parsed.Nonce)
	assert.Equal(t, a.Tag, parsed.Tag)
}

func TestParseArtifactRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("NOTDOT\x01\x00\x00"), make([]byte, 32)...)},
		{"bad version", append([]byte("DOTFDB\x02\x00\x00"), make([]byte, 32)...)},
		{"truncated salt", []byte("DOTFDB\x01\x00\x10abc")},
		{"missing tag", append([]byte("DOTFDB\x01\x00\x00"), make([]byte, 20)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArtifact(tt.data)
			assert.ErrorIs(t, err, ErrCryptoFailure)
		})
	}
}

func TestProbeArtifact(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.dotf")
	bad := filepath.Join(dir, "bad.dotf")

	a, err := EncryptBytes([]byte("x"), testMasterKey(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(good, a.Marshal(), 0600))
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0600))

	assert.NoError(t, ProbeArtifact(good))
	assert.ErrorIs(t, ProbeArtifact(bad), ErrCryptoFailure)
	assert.Error(t, ProbeArtifact(filepath.Join(dir, "missing")))
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword([]byte("correct horse"), DefaultPasswordIterations)
	require.NoError(t, err)

	assert.True(t, VerifyPassword([]byte("correct horse"), hash))
	assert.False(t, VerifyPassword([]byte("Correct horse"), hash))
	assert.Regexp(t, `^130000\$[0-9a-f]{32}\$[0-9a-f]{64}$`, hash)

	other, err := HashPassword([]byte("correct horse"), DefaultPasswordIterations)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt must be random")
}

func TestHashPasswordIterationFloor(t *testing.T) {
	hash, err := HashPassword([]byte("pw"), 10)
	require.NoError(t, err)
	assert.Regexp(t, `^100000\$`, hash)
}

func TestDecoyPasswordHash(t *testing.T) {
	decoy, err := DecoyPasswordHash(DefaultPasswordIterations)
	require.NoError(t, err)
	stored, err := HashPassword([]byte("pw"), DefaultPasswordIterations)
	require.NoError(t, err)

	// Same shape and cost parameters as a stored hash.
	assert.Regexp(t, `^130000\$[0-9a-f]{32}\$[0-9a-f]{64}$`, decoy)
	assert.Equal(t, strings.SplitN(stored, "$", 2)[0], strings.SplitN(decoy, "$", 2)[0])
	assert.False(t, VerifyPassword([]byte("pw"), decoy))
	assert.False(t, VerifyPassword(nil, decoy))

	low, err := DecoyPasswordHash(10)
	require.NoError(t, err)
	assert.Regexp(t, `^100000\$`, low)
}

func TestVerifyPasswordMalformed(t *testing.T) {
	for _, stored := range []string{
		"",
		"not-a-hash",
		"abc$00$00",
		"1000$zz$00",
		"1000$00$zz",
		"1000$0011$0011",
		"-5$0011$" + string(bytes.Repeat([]byte("0"), 64)),
		"1$2$3$4",
	} {
		assert.False(t, VerifyPassword([]byte("pw"), stored), stored)
	}
}

func TestSelfTest(t *testing.T) {
	assert.NoError(t, SelfTest())
}
