package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/core"
	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/keyring"
)

var passwdUser string

func init() {
	passwdCmd.Flags().StringVarP(&passwdUser, "user", "u", "", "account whose password changes (default: last user)")
	rootCmd.AddCommand(passwdCmd)
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change an account password",
	Long: `Changes the password of an account. The master key is re-wrapped with
the new password; the working database itself is not re-encrypted.

A password stored in the OS keyring is updated as well.

Examples:
  dotvault passwd
  dotvault passwd --user bob`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, passwdUser)
		if err != nil {
			return err
		}
		user, err := v.UserByName(username)
		if err != nil {
			return err
		}

		oldPw, _, err := getPassword(v, user.Username, "Current password: ")
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(oldPw)
		newPw, err := core.ReadPasswordConfirm("New password: ")
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(newPw)

		s, cleanup := startSpinner("Changing password...")
		if err := v.ChangePassword(ctx, user.ID, oldPw, newPw); err != nil {
			s.FinalMSG = uiError.Sprint("✗") + " Password not changed\n"
			cleanup()
			return err
		}
		s.FinalMSG = uiSuccess.Sprint("✓") + " Password changed for " + uiHighlight.Sprint(user.Username) + "\n"
		cleanup()

		if keyring.HasPassword(v.InstallationID(), user.Username) {
			if err := keyring.SavePassword(v.InstallationID(), user.Username, string(newPw)); err != nil {
				log.WithError(err).Warn("failed to update keyring")
				fmt.Fprintln(os.Stderr, uiWarning.Sprint("⚠")+" Keyring still holds the old password; run "+uiCode.Sprint("dotvault keyring delete"))
				return nil
			}
			fmt.Fprintln(os.Stdout, uiSuccess.Sprint("✓")+" Keyring updated")
		}
		return nil
	},
}
