// Package cmd implements the dotvault command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illarion/dotvault/internal/config"
	"github.com/illarion/dotvault/internal/logging"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	noSpinner  bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dotvault",
	Short: "dotvault - encrypted working database with per-user key wrapping",
	Long: `dotvault keeps a SQLite working database encrypted at rest.

Logging in unwraps the shared master key with your password and decrypts
the database; logging out seals it again and removes the plaintext. Several
accounts can open the same database, each with its own password.

Examples:
  dotvault register alice      # first account, becomes administrator
  dotvault open                # unlock until Enter is pressed
  dotvault history --limit 20  # show recent conversions
  dotvault status              # no password required`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides "+config.EnvDataDir+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noSpinner, "no-spinner", false, "disable progress spinners")
}

func loadConfig() error {
	if dataDir != "" {
		if err := os.Setenv(config.EnvDataDir, dataDir); err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Init(cfg.Logging.Level, nil); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	appConfig = cfg
	return nil
}

// Execute runs the command line and reports a failure on stderr.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		printError(err)
	}
	return err
}

// resetGlobalState clears flag values between tests.
func resetGlobalState() {
	configPath = ""
	dataDir = ""
	logLevel = ""
	noSpinner = false
	appConfig = nil
	historyLimit = defaultHistoryLimit
	historyNormalize = false
	historyRestoreTable = false
	historyUser = ""
	openUser = ""
	useraddAdmin = false
	actingUser = ""
	passwdUser = ""
	keyringUser = ""
	backupList = false
}
