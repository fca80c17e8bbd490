package cli

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore(e.cfg)
			if err != nil {
				return err
			}
			defer closeStore(db)
			e.log.Info().Str("driver", e.cfg.DB.Driver).Msg("schema up to date")
			return nil
		},
	}
}
