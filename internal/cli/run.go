package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"broadcastd/internal/app"
	"broadcastd/internal/broadcast"
)

type RunOptions struct {
	*RootOptions
	Once        bool
	StopTimeout time.Duration
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broadcast daemon",
		Long: `Run the broadcast daemon until SIGINT or SIGTERM.

The daemon outboxes eligible schedules every 2 ticks and drains due
outbox entries every 10 ticks. A tick is a minute in production and a
second otherwise.

Example:
  broadcastd run --config /etc/broadcastd/config.yaml
  broadcastd run --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run one scheduling and one sending pass, then exit")
	cmd.Flags().DurationVar(&opts.StopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runDaemon(ctx context.Context, opts *RunOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "init", err)
	}

	if opts.Once {
		st := a.Daemon().RunOnce(ctx)
		if err := a.Stop(context.Background(), app.StopAppStop); err != nil {
			return WrapExitError(ExitFailure, "stop", err)
		}
		return opts.print(out, st, func(w io.Writer) { printStats(w, st) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return WrapExitError(ExitFailure, "start", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigCh:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return WrapExitError(ExitFailure, "daemon failed", err)
	}
	if stopErr != nil {
		return WrapExitError(ExitFailure, "stop", stopErr)
	}
	return nil
}

func printStats(w io.Writer, st broadcast.PassStats) {
	fmt.Fprintf(w, "due=%d sent=%d dropped=%d", st.Due, st.Sent, st.Dropped)
	if st.Aborted != 0 {
		fmt.Fprintf(w, " aborted=#%d", st.Aborted)
	}
	fmt.Fprintln(w)
}
