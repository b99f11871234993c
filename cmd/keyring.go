package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/keyring"
)

var keyringUser string

func init() {
	keyringCmd.PersistentFlags().StringVarP(&keyringUser, "user", "u", "", "account (default: last user)")
	keyringCmd.AddCommand(keyringSaveCmd, keyringDeleteCmd, keyringStatusCmd)
	rootCmd.AddCommand(keyringCmd)
}

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage passwords stored in the OS keyring",
	Long: `Stores an account password in the OS keyring so logins do not prompt.
Entries are scoped to this installation.

Examples:
  dotvault keyring save
  dotvault keyring status --user bob
  dotvault keyring delete`,
}

var keyringSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Verify a password and store it in the keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, keyringUser)
		if err != nil {
			return err
		}
		pw, err := readPasswordOrEnv(fmt.Sprintf("Password for %s: ", username))
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(pw)

		if err := v.VerifyPassword(ctx, username, pw); err != nil {
			return err
		}
		if err := keyring.SavePassword(v.InstallationID(), username, string(pw)); err != nil {
			return fmt.Errorf("failed to save to keyring: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%s Password for %s saved to keyring\n", uiSuccess.Sprint("✓"), uiHighlight.Sprint(username))
		return nil
	},
}

var keyringDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a stored password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, keyringUser)
		if err != nil {
			return err
		}
		if err := keyring.DeletePassword(v.InstallationID(), username); err != nil {
			return fmt.Errorf("failed to delete from keyring: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%s Password for %s removed from keyring\n", uiSuccess.Sprint("✓"), uiHighlight.Sprint(username))
		return nil
	},
}

var keyringStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a password is stored",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, keyringUser)
		if err != nil {
			return err
		}
		if keyring.HasPassword(v.InstallationID(), username) {
			fmt.Fprintf(os.Stdout, "%s Password for %s is stored\n", uiSuccess.Sprint("✓"), uiHighlight.Sprint(username))
		} else {
			fmt.Fprintf(os.Stdout, "%s No password stored for %s\n", uiMuted.Sprint("-"), uiHighlight.Sprint(username))
		}
		return nil
	},
}
