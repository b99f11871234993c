package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/crypto"
)

var openUser string

func init() {
	openCmd.Flags().StringVarP(&openUser, "user", "u", "", "account to log in as (default: last user)")
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Unlock the working database until Enter is pressed",
	Long: `Logs in, decrypts the working database and keeps it unlocked so other
tools can use it. Pressing Enter or interrupting the command seals it again.

Examples:
  dotvault open
  dotvault open --user bob`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, openUser)
		if err != nil {
			return err
		}
		sess, pw, src, err := login(ctx, v, username)
		if err != nil {
			return err
		}
		offerKeyring(v, username, pw, src)
		crypto.ClearBytes(pw)

		fmt.Fprintf(os.Stdout, "%s Unlocked %s as %s\n",
			uiSuccess.Sprint("✓"), uiPath.Sprint(v.Config().WorkDBPath()), uiHighlight.Sprint(sess.Username))
		fmt.Fprintln(os.Stdout, uiMuted.Sprint("press Enter to seal"))

		done := make(chan struct{})
		go func() {
			_, _ = stdin.ReadString('\n')
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
		}
		return logout(ctx, v, sess)
	},
}
