// Package core ties the account store, key wrappers, lockout and backups
// together around the working database.
//
// A Vault moves through Locked, Unlocking, Unlocked and Relocking. Login
// verifies the password, unwraps the shared master key and turns the
// encrypted artifact into the working database. Seal (or Logout) encrypts
// it back and removes the plaintext. The artifact is replaced by rename
// only after encryption succeeded, so a failure never loses the last
// readable copy.
//
// Installations that predate key wrapping are opened with a key derived
// from the password itself and migrated to a wrapped master key on that
// first login.
package core
