package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newStatsCommand(e *env) *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue and channel counts as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore(e.cfg)
			if err != nil {
				return err
			}
			defer closeStore(db)

			st, err := newQueueService(db, e.cfg.Queue, e.log).Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if !compact {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(st)
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "single-line output")
	return cmd
}
