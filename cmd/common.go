package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/illarion/dotvault/internal/core"
	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/keyring"
)

// passwordSource records where a password came from so a rejected keyring
// entry can be replaced.
type passwordSource int

const (
	sourcePrompt passwordSource = iota
	sourceEnv
	sourceKeyring
)

var stdin = bufio.NewReader(os.Stdin)

// openVault opens the data directory and prints what startup restoration
// did.
func openVault(ctx context.Context) (*core.Vault, error) {
	v, err := core.Open(ctx, appConfig)
	if err != nil {
		return nil, err
	}
	printRestoreReport(v)
	return v, nil
}

func closeVault(ctx context.Context, v *core.Vault) {
	if err := v.Close(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Error("failed to close vault")
		printError(err)
	}
}

func printRestoreReport(v *core.Vault) {
	report := v.RestoreReport()
	if report == nil {
		return
	}
	for _, r := range report.Restored {
		fmt.Fprintf(os.Stderr, "%s Restored %s from snapshot %s %s\n",
			uiWarning.Sprint("⚠"), uiPath.Sprint(r.Name), uiHighlight.Sprint(r.Snapshot), uiMuted.Sprint(r.Reason))
	}
	for _, p := range report.Problems {
		fmt.Fprintf(os.Stderr, "%s %v\n", uiError.Sprint("✗"), p)
	}
}

// startSpinner shows progress on stderr while a slow step runs. Log output
// is held back until cleanup unless debug logging is on.
func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")

	quiet := !noSpinner && !log.IsLevelEnabled(log.DebugLevel) && term.IsTerminal(int(os.Stderr.Fd()))
	if quiet {
		s.Start()
		log.SetOutput(io.Discard)
	}

	cleanup := func() {
		if quiet {
			log.SetOutput(os.Stderr)
		}
		finalMsg := ""
		if s.FinalMSG != "" {
			finalMsg = ensureNewline(s.FinalMSG)
			s.FinalMSG = ""
		}
		if quiet {
			s.Stop()
		}
		if finalMsg != "" {
			fmt.Fprint(os.Stderr, finalMsg)
		}
	}
	return s, cleanup
}

// resolveUsername uses the flag value, else asks with the last user as the
// default answer.
func resolveUsername(v *core.Vault, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	last := v.LastUser()
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if last == "" {
			return "", errors.New("no username given; use --user")
		}
		return last, nil
	}
	prompt := "Username: "
	if last != "" {
		prompt = fmt.Sprintf("Username [%s]: ", last)
	}
	answer, err := readLine(prompt)
	if err != nil {
		return "", err
	}
	if answer == "" {
		answer = last
	}
	if answer == "" {
		return "", errors.New("no username given")
	}
	return answer, nil
}

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func confirm(prompt string) bool {
	answer, err := readLine(prompt + " [y/N]: ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// getPassword tries DOTVAULT_PASSWORD, then the OS keyring, then a prompt.
func getPassword(v *core.Vault, username, prompt string) ([]byte, passwordSource, error) {
	if pw := core.PasswordFromEnv(); pw != nil {
		return pw, sourceEnv, nil
	}
	if pw, err := keyring.GetPassword(v.InstallationID(), username); err == nil {
		log.WithField("user", username).Debug("using password from keyring")
		return []byte(pw), sourceKeyring, nil
	} else if !errors.Is(err, keyring.ErrNotFound) {
		log.WithError(err).Debug("keyring unavailable")
	}
	pw, err := core.ReadPassword(prompt)
	return pw, sourcePrompt, err
}

func readPasswordOrEnv(prompt string) ([]byte, error) {
	if pw := core.PasswordFromEnv(); pw != nil {
		return pw, nil
	}
	return core.ReadPassword(prompt)
}

// login unlocks the vault for username. A stored keyring password that is
// rejected is deleted and the user is asked instead. The returned password
// belongs to the caller.
func login(ctx context.Context, v *core.Vault, username string) (*core.Session, []byte, passwordSource, error) {
	pw, src, err := getPassword(v, username, fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return nil, nil, src, err
	}

	sess, err := unlockWithSpinner(ctx, v, username, pw)
	if err != nil && src == sourceKeyring && errors.Is(err, core.ErrInvalidCredentials) {
		fmt.Fprintln(os.Stderr, uiWarning.Sprint("⚠")+" Password stored in the keyring was rejected and has been removed")
		if delErr := keyring.DeletePassword(v.InstallationID(), username); delErr != nil {
			log.WithError(delErr).Warn("failed to delete stale keyring entry")
		}
		crypto.ClearBytes(pw)
		pw, err = core.ReadPassword(fmt.Sprintf("Password for %s: ", username))
		if err != nil {
			return nil, nil, sourcePrompt, err
		}
		src = sourcePrompt
		sess, err = unlockWithSpinner(ctx, v, username, pw)
	}
	if err != nil {
		crypto.ClearBytes(pw)
		return nil, nil, src, err
	}
	for _, w := range sess.Warnings {
		fmt.Fprintf(os.Stderr, "%s %s\n", uiWarning.Sprint("⚠"), w)
	}
	return sess, pw, src, nil
}

func unlockWithSpinner(ctx context.Context, v *core.Vault, username string, pw []byte) (*core.Session, error) {
	s, cleanup := startSpinner("Unlocking...")
	defer cleanup()
	sess, err := v.Login(ctx, username, pw)
	if err != nil {
		s.FinalMSG = uiError.Sprint("✗") + " Unlock failed\n"
		return nil, err
	}
	return sess, nil
}

func logout(ctx context.Context, v *core.Vault, sess *core.Session) error {
	s, cleanup := startSpinner("Sealing...")
	defer cleanup()
	if err := v.Logout(context.WithoutCancel(ctx), sess); err != nil {
		s.FinalMSG = uiError.Sprint("✗") + " Seal failed\n"
		return err
	}
	s.FinalMSG = uiSuccess.Sprint("✓") + " Database sealed\n"
	return nil
}

// offerKeyring asks whether a password typed at the prompt should be kept
// in the OS keyring.
func offerKeyring(v *core.Vault, username string, pw []byte, src passwordSource) {
	if src != sourcePrompt || !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	if keyring.HasPassword(v.InstallationID(), username) {
		return
	}
	if !confirm("Save password to the OS keyring?") {
		return
	}
	if err := keyring.SavePassword(v.InstallationID(), username, string(pw)); err != nil {
		fmt.Fprintf(os.Stderr, "%s Could not save to keyring: %v\n", uiWarning.Sprint("⚠"), err)
		return
	}
	fmt.Fprintln(os.Stderr, uiSuccess.Sprint("✓")+" Password saved to keyring")
}

// describeError turns an error into the message shown to the user. Causes
// of failed logins are never shown.
func describeError(err error) string {
	var locked *core.LockedError
	var creds *core.CredentialsError
	switch {
	case errors.As(err, &locked):
		return fmt.Sprintf("Account locked. Try again in %d seconds.", locked.SecondsRemaining())
	case errors.As(err, &creds):
		msg := "Invalid username or password."
		switch {
		case creds.LockedFor > 0:
			secs := (&core.LockedError{Remaining: creds.LockedFor}).SecondsRemaining()
			msg += fmt.Sprintf(" Account locked for %d seconds.", secs)
		case creds.AttemptsRemaining == 1:
			msg += " 1 attempt left."
		case creds.AttemptsRemaining > 1:
			msg += fmt.Sprintf(" %d attempts left.", creds.AttemptsRemaining)
		}
		return msg
	case errors.Is(err, core.ErrDecryptionFailure):
		return "Cannot open the database: wrong password or corrupted file. Run " +
			uiCode.Sprint("dotvault backup --list") + " to find a snapshot."
	case errors.Is(err, core.ErrCryptoBackendUnavailable):
		return "Cryptographic backend unavailable: " + err.Error()
	case errors.Is(err, core.ErrIntegrityCheckFailed):
		return "Integrity check failed and no snapshot could repair it: " + err.Error()
	case errors.Is(err, core.ErrMasterKeyUnavailable):
		return "This account cannot open the database yet. Ask an administrator to run " +
			uiCode.Sprint("dotvault reset-password <username>") + "."
	case errors.Is(err, core.ErrPasswordMismatch):
		return "Passwords do not match."
	default:
		return err.Error()
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", uiError.Sprint("✗"), describeError(err))
}
