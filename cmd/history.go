package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/workdb"
)

const defaultHistoryLimit = 20

var (
	historyLimit        = defaultHistoryLimit
	historyNormalize    bool
	historyRestoreTable bool
	historyUser         string
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", defaultHistoryLimit, "number of entries to show")
	historyCmd.Flags().BoolVar(&historyNormalize, "normalize", false, "renumber entry ids to be contiguous")
	historyCmd.Flags().BoolVar(&historyRestoreTable, "restore-backup-table", false, "restore entries from the backup table left by a failed migration")
	historyCmd.Flags().StringVarP(&historyUser, "user", "u", "", "account to log in as (default: last user)")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent conversions",
	Long: `Unlocks the working database, prints the most recent entries of the
conversion history and seals the database again.

Examples:
  dotvault history
  dotvault history --limit 50
  dotvault history --normalize`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (retErr error) {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer closeVault(ctx, v)

		username, err := resolveUsername(v, historyUser)
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

		h := sess.History()
		if historyRestoreTable {
			if err := h.RestoreFromBackupTable(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, uiSuccess.Sprint("✓")+" History restored from backup table")
		}
		if historyNormalize {
			n, err := h.NormalizeIDs(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s Renumbered %d entries\n", uiSuccess.Sprint("✓"), n)
		} else if needs, err := h.NeedsNormalization(ctx); err == nil && needs {
			fmt.Fprintln(os.Stderr, uiInfo.Sprint("→")+" Entry ids have gaps; run "+uiCode.Sprint("dotvault history --normalize")+" to renumber")
		}

		entries, err := h.Recent(ctx, historyLimit)
		if err != nil {
			return err
		}
		printHistory(entries)
		return nil
	},
}

func printHistory(entries []workdb.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, uiMuted.Sprint("no conversions recorded"))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tUSER\tFEATURE\tSTATUS\tINPUT\tOUTPUT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, humanize.Time(e.CreatedAt), dash(e.Username), e.Feature, e.Status, dash(e.InputPath), dash(e.OutputPath))
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
