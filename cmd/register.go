package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/core"
	"github.com/illarion/dotvault/internal/crypto"
)

func init() {
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create the first account",
	Long: `Creates the first account of a fresh installation. The account becomes
the administrator and the working database is created and sealed.

Registration closes once an account exists; further accounts are added by
an administrator with 'dotvault useradd'.

Examples:
  dotvault register alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		pw := core.PasswordFromEnv()
		src := sourceEnv
		if pw == nil {
			pw, err = core.ReadPasswordConfirm(fmt.Sprintf("New password for %s: ", args[0]))
			if err != nil {
				return err
			}
			src = sourcePrompt
		}
		defer crypto.ClearBytes(pw)

		s, cleanup := startSpinner("Creating account...")
		sess, err := v.Register(ctx, args[0], pw)
		if err != nil {
			s.FinalMSG = uiError.Sprint("✗") + " Registration failed\n"
			cleanup()
			return err
		}
		s.FinalMSG = uiSuccess.Sprint("✓") + " Account " + uiHighlight.Sprint(sess.Username) + " created\n"
		cleanup()

		if err := logout(ctx, v, sess); err != nil {
			return err
		}
		offerKeyring(v, sess.Username, pw, src)
		fmt.Fprintln(os.Stdout, uiInfo.Sprint("→")+" Run "+uiCode.Sprint("dotvault open")+" to unlock the database")
		return nil
	},
}
