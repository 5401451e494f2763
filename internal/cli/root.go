// Package cli implements the broadcastd command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"broadcastd/internal/app"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "broadcastd",
		Short:         "Scheduled broadcast daemon",
		Long:          "broadcastd fans scheduled messages out to every registered recipient, honoring per-recipient timezones and filters.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewUserCommand(opts))
	return cmd
}

// openStore loads the config and opens its store for one-shot commands.
func (o *RootOptions) openStore(ctx context.Context) (storage.Store, string, error) {
	_, cfg, err := app.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "load config", err)
	}
	st, err := app.OpenStore(ctx, cfg, logx.NewConsole("warn").With(logx.String("comp", "storage")))
	if err != nil {
		return nil, "", WrapExitError(ExitFailure, "open storage", err)
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	return st, driver, nil
}

// print writes v as indented JSON, or text() in text mode.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
