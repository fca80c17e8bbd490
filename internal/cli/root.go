// Package cli builds the vcqueue command tree: serve runs the bot, worker
// pool, reconciler and admin API; migrate and stats operate on the store
// directly.
package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-voice-queue/internal/config"
	"github.com/tbourn/go-voice-queue/internal/sysutil"
)

// env carries what every subcommand needs once the root pre-run is done.
type env struct {
	version string
	cfg     config.Config
	log     zerolog.Logger
}

// NewRoot constructs the root command. A .env file in the working directory
// (or the one named by --env-file) is loaded before configuration is read;
// variables already set in the process win.
func NewRoot(version string) *cobra.Command {
	e := &env{version: version}
	root := &cobra.Command{
		Use:           "vcqueue",
		Short:         "Voice channel creation queue",
		Long:          "vcqueue provisions temporary voice channels for members joining interface channels, one rate-governed request at a time.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("env-file")
			if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = sysutil.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogPretty)
			return nil
		},
	}
	root.PersistentFlags().String("env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(newServeCommand(e))
	root.AddCommand(newMigrateCommand(e))
	root.AddCommand(newStatsCommand(e))
	return root
}
