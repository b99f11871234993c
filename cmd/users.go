package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/core"
	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/storage"
)

var (
	useraddAdmin bool
	actingUser   string
)

func init() {
	useraddCmd.Flags().BoolVar(&useraddAdmin, "admin", false, "give the new account administrator rights")
	for _, c := range []*cobra.Command{useraddCmd, userdelCmd, resetCmd} {
		c.Flags().StringVarP(&actingUser, "as", "a", "", "administrator to act as (default: last user)")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(usersCmd)
}

var useraddCmd = &cobra.Command{
	Use:   "useradd <username>",
	Short: "Add an account (administrator only)",
	Long: `Adds an account that can open the same working database. The new
account's key wrapper seals the master key of the administrator running
the command.

Examples:
  dotvault useradd bob
  dotvault useradd carol --admin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (retErr error) {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, actingUser)
		if err != nil {
			return err
		}
		sess, pw, _, err := login(ctx, v, username)
		if err != nil {
			return err
		}
		crypto.ClearBytes(pw)
		defer func() {
			if err := logout(ctx, v, sess); err != nil && retErr == nil {
				retErr = err
			}
		}()
		if !sess.IsAdmin() {
			return core.ErrPermissionDenied
		}

		newPw, err := core.ReadPasswordConfirm(fmt.Sprintf("Password for %s: ", args[0]))
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(newPw)

		var opts []core.UserOption
		if useraddAdmin {
			opts = append(opts, core.WithRole(storage.RoleAdmin))
		}
		u, err := v.CreateUser(ctx, sess, args[0], newPw, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s Created %s account %s\n", uiSuccess.Sprint("✓"), u.Role, uiHighlight.Sprint(u.Username))
		return nil
	},
}

var userdelCmd = &cobra.Command{
	Use:   "userdel <username>",
	Short: "Delete an account (administrator only)",
	Long: `Deletes an account and its key wrappers. The first administrator, the
last administrator and the account running the command cannot be deleted.

Examples:
  dotvault userdel bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (retErr error) {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		if _, err := v.UserByName(args[0]); err != nil {
			if errors.Is(err, core.ErrUserNotFound) {
				return fmt.Errorf("no account named %s", args[0])
			}
			return err
		}

		username, err := resolveUsername(v, actingUser)
		if err != nil {
			return err
		}
		sess, pw, _, err := login(ctx, v, username)
		if err != nil {
			return err
		}
		crypto.ClearBytes(pw)
		defer func() {
			if err := logout(ctx, v, sess); err != nil && retErr == nil {
				retErr = err
			}
		}()

		if err := v.DeleteUser(ctx, sess, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s Deleted account %s\n", uiSuccess.Sprint("✓"), uiHighlight.Sprint(args[0]))
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List accounts",
	Long: `Lists every account. Does not require a password.

Examples:
  dotvault users`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		users, err := v.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Fprintln(os.Stdout, uiMuted.Sprint("no accounts; run dotvault register <username>"))
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tROLE\tCREATED")
		for _, u := range users {
			created := "-"
			if !u.CreatedAt.IsZero() {
				created = humanize.Time(u.CreatedAt)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Username, u.Role, created)
		}
		return w.Flush()
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset-password <username>",
	Short: "Set a new password for another account (administrator only)",
	Long: `Sets a new password for another account and wraps the shared master key
for it. Accounts created before key wrapping was introduced cannot log in
until an administrator does this.

Examples:
  dotvault reset-password dave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (retErr error) {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, actingUser)
		if err != nil {
			return err
		}
		sess, pw, _, err := login(ctx, v, username)
		if err != nil {
			return err
		}
		crypto.ClearBytes(pw)
		defer func() {
			if err := logout(ctx, v, sess); err != nil && retErr == nil {
				retErr = err
			}
		}()
		if !sess.IsAdmin() {
			return core.ErrPermissionDenied
		}

		newPw, err := core.ReadPasswordConfirm(fmt.Sprintf("New password for %s: ", args[0]))
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(newPw)

		if err := v.ResetPassword(ctx, sess, args[0], newPw); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s Password reset for %s\n", uiSuccess.Sprint("✓"), uiHighlight.Sprint(args[0]))
		return nil
	},
}
