package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"broadcastd/internal/filter"
	"broadcastd/internal/storage"
)

func NewScheduleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"broadcast"},
		Short:   "Manage broadcast schedules",
	}
	cmd.AddCommand(newScheduleCreateCommand(opts))
	cmd.AddCommand(newScheduleListCommand(opts))
	cmd.AddCommand(newScheduleDeleteCommand(opts))
	return cmd
}

type scheduleCreateOptions struct {
	Type    string
	Text    string
	At      string
	TS      int64
	In      time.Duration
	Filters []string
}

func newScheduleCreateCommand(opts *RootOptions) *cobra.Command {
	o := &scheduleCreateOptions{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Long: `Create a schedule.

Exactly one of --at, --ts and --in selects when it is sent:
  --at "YYYY-MM-DD HH:MM"   wall clock, sent at that local time for each recipient
  --ts <epoch ms>           one absolute instant for everybody
  --in <duration>           shorthand for --ts now+duration

Example:
  broadcastd schedule create --text "Good morning" --at "2024-06-01 08:00"
  broadcastd schedule create --type script --text '"hi #\(userId)"' --in 10m --filter 'platform == "telegram"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := o.input(time.Now())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid schedule", err)
			}
			if err := validateSources(filter.New(), in); err != nil {
				return WrapExitError(ExitCommandError, "invalid schedule", err)
			}

			st, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			sc, err := st.CreateSchedule(cmd.Context(), in)
			if err != nil {
				return WrapExitError(ExitFailure, "create schedule", err)
			}
			return opts.print(cmd.OutOrStdout(), sc, func(w io.Writer) {
				fmt.Fprintf(w, "created broadcast #%d\n", sc.ID)
			})
		},
	}
	cmd.Flags().StringVar(&o.Type, "type", "text", "message type (text|script)")
	cmd.Flags().StringVarP(&o.Text, "text", "t", "", "message text, or script source for --type script")
	cmd.Flags().StringVar(&o.At, "at", "", `local send time "YYYY-MM-DD HH:MM"`)
	cmd.Flags().Int64Var(&o.TS, "ts", 0, "absolute send time in epoch milliseconds")
	cmd.Flags().DurationVar(&o.In, "in", 0, "send after this delay (absolute)")
	cmd.Flags().StringArrayVarP(&o.Filters, "filter", "f", nil, "recipient filter expression (repeatable)")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func (o *scheduleCreateOptions) input(now time.Time) (storage.ScheduleInput, error) {
	in := storage.ScheduleInput{
		Type:     storage.MessageType(o.Type),
		Text:     o.Text,
		DateTime: strings.TrimSpace(o.At),
		Filters:  o.Filters,
	}
	set := 0
	if in.DateTime != "" {
		set++
	}
	if o.TS != 0 {
		ts := o.TS
		in.TS = &ts
		set++
	}
	if o.In != 0 {
		ts := now.Add(o.In).UnixMilli()
		in.TS = &ts
		set++
	}
	if set != 1 {
		return in, fmt.Errorf("exactly one of --at, --ts, --in is required")
	}
	if err := in.Normalize(); err != nil {
		return in, err
	}
	return in, nil
}

func validateSources(v *filter.Evaluator, in storage.ScheduleInput) error {
	for i, src := range in.Filters {
		if err := v.Validate(src); err != nil {
			return fmt.Errorf("filter %d: %w", i+1, err)
		}
	}
	if in.Type == storage.TypeScript {
		if err := v.Validate(in.Text); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}
	return nil
}

func newScheduleListCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.ListSchedules(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "list schedules", err)
			}
			if list == nil {
				list = []storage.Schedule{}
			}
			return opts.print(cmd.OutOrStdout(), list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "no schedules")
					return
				}
				for _, sc := range list {
					fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%d/%d\n", sc.ID, sc.Type, when(sc), state(sc), sc.SentCount, sc.TotalCount)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum schedules to list")
	return cmd
}

func newScheduleDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule and its pending deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid schedule id %q", args[0]))
			}
			st, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteSchedule(cmd.Context(), id); err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("delete broadcast #%d", id), err)
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{"deleted": id}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted broadcast #%d\n", id)
			})
		},
	}
}

func when(sc storage.Schedule) string {
	if sc.TS != nil {
		return time.UnixMilli(*sc.TS).UTC().Format("2006-01-02 15:04Z")
	}
	return sc.DateTime + " local"
}

func state(sc storage.Schedule) string {
	switch {
	case sc.Errored:
		return "errored"
	case sc.Outboxed && sc.SentCount >= sc.TotalCount:
		return "done"
	case sc.Outboxed:
		return "sending"
	default:
		return "pending"
	}
}
