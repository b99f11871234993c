package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/backup"
)

var backupList bool

func init() {
	backupCmd.Flags().BoolVarP(&backupList, "list", "l", false, "list snapshots instead of creating one")
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the account store and encrypted database",
	Long: `Copies the account store and the encrypted database into a new
timestamped snapshot and prunes old snapshots down to the configured
retention. Snapshots are also taken automatically at startup and after
every logout.

Examples:
  dotvault backup
  dotvault backup --list`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		if backupList {
			snaps, err := v.Snapshots()
			if err != nil {
				return err
			}
			printSnapshots(snaps)
			return nil
		}

		s, cleanup := startSpinner("Creating snapshot...")
		path, err := v.Backup(ctx)
		if err != nil {
			s.FinalMSG = uiError.Sprint("✗") + " Snapshot failed\n"
			cleanup()
			return err
		}
		if path == "" {
			s.FinalMSG = uiWarning.Sprint("⚠") + " Backups are disabled in the configuration\n"
		} else {
			s.FinalMSG = uiSuccess.Sprint("✓") + " Snapshot written to " + uiPath.Sprint(path) + "\n"
		}
		cleanup()
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Check integrity and restore damaged files from snapshots",
	Long: `Runs the startup integrity check: missing or corrupt files are
restored from the newest snapshot whose copy passes the same check.
The check also runs automatically whenever dotvault starts.

Examples:
  dotvault restore`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		report := v.RestoreReport()
		switch {
		case report == nil:
			fmt.Fprintln(os.Stdout, uiWarning.Sprint("⚠")+" Backups are disabled in the configuration")
		case len(report.Problems) > 0:
			return fmt.Errorf("%d file(s) could not be repaired", len(report.Problems))
		case len(report.Restored) == 0:
			fmt.Fprintln(os.Stdout, uiSuccess.Sprint("✓")+" All files passed the integrity check")
		default:
			fmt.Fprintf(os.Stdout, "%s Restored %d file(s)\n", uiSuccess.Sprint("✓"), len(report.Restored))
		}
		return nil
	},
}

func printSnapshots(snaps []backup.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(os.Stdout, uiMuted.Sprint("no snapshots"))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SNAPSHOT\tTAKEN\tFILES")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, humanize.Time(s.Time), strings.Join(s.Files, ", "))
	}
	_ = w.Flush()
}
