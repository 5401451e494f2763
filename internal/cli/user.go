package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	"broadcastd/internal/transport/telegram/router"
)

func NewUserCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage recipients",
	}
	cmd.AddCommand(newUserAddCommand(opts))
	return cmd
}

func newUserAddCommand(opts *RootOptions) *cobra.Command {
	var (
		platform string
		tz       string
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a recipient",
		Long: `Add or update a recipient.

--tz accepts a UTC offset in hours: +5, -3.5, +05:30, UTC+2.

Example:
  broadcastd user add 123456789 --tz +2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id == 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid user id %q", args[0]))
			}
			offset, err := router.ParseOffset(tz)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --tz", err)
			}

			st, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			u := storage.User{ID: id, Platform: platform, Timezone: offset}
			if err := st.UpsertUser(cmd.Context(), u); err != nil {
				return WrapExitError(ExitFailure, "add user", err)
			}
			return opts.print(cmd.OutOrStdout(), u, func(w io.Writer) {
				fmt.Fprintf(w, "user %d on %s at UTC%s\n", id, platform, router.FormatOffset(offset))
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", transport.PlatformTelegram, "delivery platform (telegram|log)")
	cmd.Flags().StringVar(&tz, "tz", "0", "UTC offset in hours")
	return cmd
}
