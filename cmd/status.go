package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compactCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installation status",
	Long: `Shows where the data lives, whether the database is sealed, how many
accounts and key wrappers exist and which snapshots are available.

Does not require a password.

Examples:
  dotvault status`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		st, err := v.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Data directory:   %s\n", uiPath.Sprint(st.DataDir))
		fmt.Fprintf(os.Stdout, "Backup directory: %s\n", uiPath.Sprint(st.BackupDir))
		fmt.Fprintf(os.Stdout, "Installation:     %s %s\n", st.InstallationID, uiMuted.Sprint("created "+humanize.Time(st.Created)))

		var sealed string
		switch {
		case st.ArtifactPresent && !st.WorkDBPresent:
			sealed = uiSuccess.Sprint("sealed")
		case st.WorkDBPresent:
			sealed = uiWarning.Sprint("plaintext present")
		default:
			sealed = uiMuted.Sprint("not created")
		}
		fmt.Fprintf(os.Stdout, "Database:         %s\n", sealed)
		fmt.Fprintf(os.Stdout, "Accounts:         %d %s\n", st.Users, uiMuted.Sprintf("%d key wrappers", st.Wrappers))
		if st.LastUser != "" {
			fmt.Fprintf(os.Stdout, "Last user:        %s\n", uiHighlight.Sprint(st.LastUser))
		}
		if len(st.Snapshots) > 0 {
			newest := st.Snapshots[0]
			for _, s := range st.Snapshots[1:] {
				if s.Time.After(newest.Time) {
					newest = s
				}
			}
			fmt.Fprintf(os.Stdout, "Snapshots:        %d %s\n", len(st.Snapshots), uiMuted.Sprint("newest "+humanize.Time(newest.Time)))
		} else {
			fmt.Fprintf(os.Stdout, "Snapshots:        %s\n", uiMuted.Sprint("none"))
		}
		if st.WorkDBPresent {
			fmt.Fprintln(os.Stdout)
			fmt.Fprintln(os.Stdout, uiInfo.Sprint("→")+" The next login treats the plaintext database as an unsealed session and seals it on logout")
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the account store",
	Long: `Rewrites the account store to reclaim space left by deleted accounts
and replaced key wrappers. This also happens after every password change.

Does not require a password.

Examples:
  dotvault compact`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		s, cleanup := startSpinner("Compacting...")
		defer cleanup()
		if err := v.Compact(ctx); err != nil {
			s.FinalMSG = uiError.Sprint("✗") + " Compaction failed\n"
			return err
		}
		s.FinalMSG = uiSuccess.Sprint("✓") + " Account store compacted\n"
		return nil
	},
}
