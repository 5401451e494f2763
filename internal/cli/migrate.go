package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long:  "Open the configured store, applying its embedded schema idempotently, and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, driver, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return WrapExitError(ExitFailure, "close storage", err)
			}
			res := map[string]string{"status": "ok", "driver": driver}
			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "schema up to date (%s)\n", driver)
			})
		},
	}
}
