// Package crypto provides the cryptographic primitives for dotvault.
//
// Encryption uses AES-256-GCM with:
//   - 32-byte key, either a wrapped master key or derived from a password
//   - 16-byte random nonce and a detached 16-byte tag
//   - the artifact header bound as associated data
//
// Encrypted database artifacts are laid out as
//
//	MAGIC "DOTFDB" | VERSION | SALT_LEN (u16 BE) | SALT | NONCE | TAG | CIPHERTEXT
//
// Key derivation uses PBKDF2-HMAC-SHA256. Password hashes are stored as
// "<iterations>$<salt_hex>$<hash_hex>" so the iteration count can be raised
// without invalidating existing accounts.
//
// Memory safety:
//   - Use ClearBytes() to zero sensitive data after use
//   - Call Encryptor.Destroy() when done with encryption operations
package crypto
