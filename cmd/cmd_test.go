package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/illarion/dotvault/internal/config"
	"github.com/illarion/dotvault/internal/core"
)

func setupDataDir(t *testing.T) string {
	t.Helper()
	gokeyring.MockInit()

	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	cfg := `kdf:
  password_iterations: 100000
  wrap_iterations: 1000
  legacy_iterations: 1000
logging:
  level: error
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(cfg), 0o600))
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvBackupDir, "")
	t.Setenv(config.EnvConfig, "")
	return dir
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	resetGlobalState()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestRegisterThenHistory(t *testing.T) {
	dir := setupDataDir(t)
	t.Setenv(core.EnvPassword, "Secret1")

	require.NoError(t, runCommand(t, "register", "alice"))
	assert.FileExists(t, filepath.Join(dir, config.WorkDBFile+config.ArtifactSuffix))
	assert.NoFileExists(t, filepath.Join(dir, config.WorkDBFile))

	err := runCommand(t, "register", "bob")
	assert.ErrorIs(t, err, core.ErrRegistrationClosed)

	// Without a terminal the last user is picked.
	require.NoError(t, runCommand(t, "history", "--limit", "5"))
	assert.NoFileExists(t, filepath.Join(dir, config.WorkDBFile))

	require.NoError(t, runCommand(t, "status"))
	require.NoError(t, runCommand(t, "users"))
	require.NoError(t, runCommand(t, "backup", "--list"))
	require.NoError(t, runCommand(t, "restore"))
	require.NoError(t, runCommand(t, "compact"))
}

func TestHistoryWrongPassword(t *testing.T) {
	setupDataDir(t)
	t.Setenv(core.EnvPassword, "Secret1")
	require.NoError(t, runCommand(t, "register", "alice"))

	t.Setenv(core.EnvPassword, "wrong1")
	err := runCommand(t, "history", "--user", "alice")
	var creds *core.CredentialsError
	require.ErrorAs(t, err, &creds)
	assert.Equal(t, 4, creds.AttemptsRemaining)
}

func TestKeyringCommands(t *testing.T) {
	setupDataDir(t)
	t.Setenv(core.EnvPassword, "Secret1")
	require.NoError(t, runCommand(t, "register", "alice"))

	require.NoError(t, runCommand(t, "keyring", "save", "--user", "alice"))
	require.NoError(t, runCommand(t, "keyring", "status", "--user", "alice"))

	t.Setenv(core.EnvPassword, "wrong1")
	assert.ErrorIs(t, runCommand(t, "keyring", "save", "--user", "alice"), core.ErrInvalidCredentials)

	require.NoError(t, runCommand(t, "keyring", "delete", "--user", "alice"))
}

func TestDescribeError(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "attempts left",
			err:  &core.CredentialsError{AttemptsRemaining: 3},
			want: "Invalid username or password. 3 attempts left.",
		},
		{
			name: "last attempt",
			err:  &core.CredentialsError{AttemptsRemaining: 1},
			want: "Invalid username or password. 1 attempt left.",
		},
		{
			name: "uncounted hides cause",
			err:  &core.CredentialsError{AttemptsRemaining: -1, Cause: errors.New("gcm: message authentication failed")},
			want: "Invalid username or password.",
		},
		{
			name: "lockout started",
			err:  &core.CredentialsError{LockedFor: 5 * time.Minute},
			want: "Invalid username or password. Account locked for 300 seconds.",
		},
		{
			name: "locked",
			err:  fmt.Errorf("login: %w", &core.LockedError{Remaining: 1500 * time.Millisecond}),
			want: "Account locked. Try again in 2 seconds.",
		},
		{
			name: "no wrapper",
			err:  core.ErrMasterKeyUnavailable,
			want: "This account cannot open the database yet. Ask an administrator to run `dotvault reset-password <username>`.",
		},
		{
			name: "other",
			err:  core.ErrRegistrationClosed,
			want: core.ErrRegistrationClosed.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeError(tt.err))
		})
	}

	assert.Contains(t, describeError(fmt.Errorf("open: %w", core.ErrDecryptionFailure)), "`dotvault backup --list`")
}

func TestEnsureNewline(t *testing.T) {
	assert.Equal(t, "", ensureNewline(""))
	assert.Equal(t, "done\n", ensureNewline("done"))
	assert.Equal(t, "done\n", ensureNewline("done\n"))
}
