// Package storage provides the BBolt account store for dotvault.
//
// Database structure uses five buckets:
//   - meta: schema version, creation time, installation id
//   - users: msgpack-encoded accounts keyed by big-endian id
//   - usernames: unique username index pointing at user ids
//   - key_wrappers: one nested bucket per user holding wrapped master keys
//   - settings: plain key/value preferences (last user, lockout counters)
//
// The account store stays unencrypted so users can be verified before the
// working database is unlocked. It never holds the master key in clear.
//
// BBolt provides ACID transactions, file locking, and corruption detection.
package storage
