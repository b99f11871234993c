package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/storage"
)

func TestCreateUserSharesMasterKey(t *testing.T) {
	ctx := context.Background()
	v := openVault(t, testConfig(t))

	admin, err := v.Register(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	addEntry(t, admin, "by alice")

	bob, err := v.CreateUser(ctx, admin, "bob", []byte("Hunter22"))
	require.NoError(t, err)
	assert.Equal(t, storage.RoleUser, bob.Role)
	assert.Empty(t, bob.PasswordHash)

	_, err = v.CreateUser(ctx, admin, "bob", []byte("Hunter22"))
	assert.ErrorIs(t, err, ErrUserExists)
	_, err = v.CreateUser(ctx, admin, "carol", []byte("123"))
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	wa, err := v.keys.LoadWrapperForUser(admin.UserID)
	require.NoError(t, err)
	wb, err := v.keys.LoadWrapperForUser(bob.ID)
	require.NoError(t, err)
	ka, err := v.keys.Unwrap([]byte("Secret1"), wa)
	require.NoError(t, err)
	kb, err := v.keys.Unwrap([]byte("Hunter22"), wb)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	require.NoError(t, v.Logout(ctx, admin))

	sess, err := v.Login(ctx, "bob", []byte("Hunter22"))
	require.NoError(t, err)
	assert.False(t, sess.IsAdmin())
	assert.Equal(t, []string{"by alice"}, details(t, sess))

	_, err = v.CreateUser(ctx, sess, "mallory", []byte("Secret3"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	require.NoError(t, v.Logout(ctx, sess))

	_, err = v.CreateUser(ctx, sess, "mallory", []byte("Secret3"))
	assert.ErrorIs(t, err, ErrNoSession, "a sealed session cannot act")
}

func TestDeleteUserProtections(t *testing.T) {
	ctx := context.Background()
	v := openVault(t, testConfig(t))

	alice, err := v.Register(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	_, err = v.CreateUser(ctx, alice, "carol", []byte("Secret2"), WithRole(storage.RoleAdmin))
	require.NoError(t, err)
	_, err = v.CreateUser(ctx, alice, "bob", []byte("Secret3"))
	require.NoError(t, err)

	assert.ErrorIs(t, v.DeleteUser(ctx, alice, "alice"), ErrProtectedAccount)
	assert.ErrorIs(t, v.DeleteUser(ctx, alice, "nobody"), ErrUserNotFound)

	require.NoError(t, v.DeleteUser(ctx, alice, "bob"))
	n, err := v.store.CountWrappers()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, v.Logout(ctx, alice))

	carol, err := v.Login(ctx, "carol", []byte("Secret2"))
	require.NoError(t, err)
	err = v.DeleteUser(ctx, carol, "alice")
	assert.ErrorIs(t, err, ErrProtectedAccount)
	assert.Contains(t, err.Error(), "primary administrator")

	users, err := v.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "carol", users[1].Username)
	for _, u := range users {
		assert.Empty(t, u.PasswordHash)
	}
	require.NoError(t, v.Logout(ctx, carol))

	_, err = v.Login(ctx, "bob", []byte("Secret3"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	v := openVault(t, cfg)

	sess, err := v.Register(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	id := sess.UserID
	addEntry(t, sess, "kept")
	require.NoError(t, v.Logout(ctx, sess))

	err = v.ChangePassword(ctx, id, []byte("nope"), []byte("NewSecret2"))
	var credErr *CredentialsError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, cfg.Lockout.Threshold-1, credErr.AttemptsRemaining)

	assert.ErrorIs(t, v.ChangePassword(ctx, id, []byte("Secret1"), []byte("short")), ErrPasswordTooShort)
	assert.ErrorIs(t, v.ChangePassword(ctx, 999, []byte("Secret1"), []byte("NewSecret2")), ErrUserNotFound)

	require.NoError(t, v.ChangePassword(ctx, id, []byte("Secret1"), []byte("NewSecret2")))

	n, err := v.store.CountWrappers()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale wrapper is pruned")

	_, err = v.Login(ctx, "alice", []byte("Secret1"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	sess, err = v.Login(ctx, "alice", []byte("NewSecret2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, details(t, sess))

	// While logged in the session's key is used.
	require.NoError(t, v.ChangePassword(ctx, id, []byte("NewSecret2"), []byte("Third333")))
	addEntry(t, sess, "after change")
	require.NoError(t, v.Logout(ctx, sess))

	sess, err = v.Login(ctx, "alice", []byte("Third333"))
	require.NoError(t, err)
	assert.Equal(t, []string{"after change", "kept"}, details(t, sess))
	require.NoError(t, v.Logout(ctx, sess))
}

func TestAccountWithoutWrapperNeverSeals(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeLegacyInstallation(t, cfg, "alice", []byte("Secret1"))
	v, err := Open(ctx, cfg)
	require.NoError(t, err)

	// dave predates key wrapping and has never logged in since.
	hash, err := crypto.HashPassword([]byte("Secret9"), cfg.KDF.PasswordIterations)
	require.NoError(t, err)
	dave := &storage.User{Username: "dave", PasswordHash: hash, Role: storage.RoleUser}
	require.NoError(t, v.store.CreateUser(dave))

	assert.ErrorIs(t, v.ChangePassword(ctx, dave.ID, []byte("Secret9"), []byte("Secret10")), ErrMasterKeyUnavailable)

	// alice migrates, then the process dies while unlocked.
	sess, err := v.Login(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	require.True(t, sess.HasMasterKey())
	require.NoError(t, sess.detach())
	require.NoError(t, v.store.Close())
	v.closed = true

	v2 := openVault(t, cfg)
	_, err = v2.Login(ctx, "dave", []byte("Secret9"))
	assert.ErrorIs(t, err, ErrMasterKeyUnavailable)
	assert.Equal(t, StateLocked, v2.State())
	assert.FileExists(t, cfg.WorkDBPath(), "recovered plaintext is left for a wrapped account")
	n, err := v2.store.CountWrappers()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no second master key is minted")

	// An administrator hands dave the shared key under a new password.
	admin, err := v2.Login(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	assert.ErrorIs(t, v2.ResetPassword(ctx, admin, "alice", []byte("Secret10")), ErrProtectedAccount)
	require.NoError(t, v2.ResetPassword(ctx, admin, "dave", []byte("Secret10")))
	require.NoError(t, v2.Logout(ctx, admin))

	_, err = v2.Login(ctx, "dave", []byte("Secret9"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	sess, err = v2.Login(ctx, "dave", []byte("Secret10"))
	require.NoError(t, err)
	assert.True(t, sess.HasMasterKey())
	addEntry(t, sess, "by dave")
	require.NoError(t, v2.Logout(ctx, sess))

	// Whatever dave sealed, alice still opens.
	sess, err = v2.Login(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	assert.False(t, sess.LegacyPath)
	assert.Equal(t, []string{"by dave", "legacy row"}, details(t, sess))
	require.NoError(t, v2.Logout(ctx, sess))
}

func TestResetPasswordRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	v := openVault(t, testConfig(t))

	alice, err := v.Register(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	_, err = v.CreateUser(ctx, alice, "bob", []byte("Hunter22"))
	require.NoError(t, err)
	assert.ErrorIs(t, v.ResetPassword(ctx, alice, "nobody", []byte("Secret3")), ErrUserNotFound)
	assert.ErrorIs(t, v.ResetPassword(ctx, alice, "bob", []byte("123")), ErrPasswordTooShort)
	require.NoError(t, v.Logout(ctx, alice))

	bob, err := v.Login(ctx, "bob", []byte("Hunter22"))
	require.NoError(t, err)
	assert.ErrorIs(t, v.ResetPassword(ctx, bob, "alice", []byte("Secret3")), ErrPermissionDenied)
	require.NoError(t, v.Logout(ctx, bob))
}

func TestVerifyPassword(t *testing.T) {
	ctx := context.Background()
	v := openVault(t, testConfig(t))

	sess, err := v.Register(ctx, "alice", []byte("Secret1"))
	require.NoError(t, err)
	require.NoError(t, v.Logout(ctx, sess))

	require.NoError(t, v.VerifyPassword(ctx, "alice", []byte("Secret1")))
	assert.ErrorIs(t, v.VerifyPassword(ctx, "alice", []byte("nope")), ErrInvalidCredentials)
	assert.ErrorIs(t, v.VerifyPassword(ctx, "nobody", []byte("Secret1")), ErrInvalidCredentials)
	assert.NoFileExists(t, v.Config().WorkDBPath())
}
