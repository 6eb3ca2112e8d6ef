package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/replay"
)

// ReplayListOptions holds flags for replay list.
type ReplayListOptions struct {
	Status   string
	Priority string
	Cursor   string
	Limit    int
}

// ReplayPage is the result of replay list.
type ReplayPage struct {
	Entries    []coord.ReplayView `json:"entries"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Triggered is the result of replay trigger.
type Triggered struct {
	Triggered bool          `json:"triggered"`
	Status    replay.Status `json:"status"`
}

type replayRef struct {
	ReplayID string `json:"replay_id"`
}

// NewReplayCommand creates the replay command group.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}
	listOpts := &ReplayListOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect and drive the replay queue",
		Long: `Inspect and drive the queue of requests deferred while the service was
unavailable.

trigger attempts one entry immediately, ignoring its backoff, and reports
the resulting status.

Examples:
  vend replay list --status queued
  vend replay status id-0003
  vend replay trigger id-0003
  vend replay cancel id-0003`,
	}
	addAdminFlags(cmd, opts)

	status := &cobra.Command{
		Use:           "status <replay-id>",
		Short:         "Show a replay entry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayStatus(opts, args[0], cmd)
		},
	}

	cancel := &cobra.Command{
		Use:           "cancel <replay-id>",
		Short:         "Cancel a queued entry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayCancel(opts, args[0], cmd)
		},
	}

	trigger := &cobra.Command{
		Use:           "trigger <replay-id>",
		Short:         "Attempt a queued entry now",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayTrigger(opts, args[0], cmd)
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List replay entries in drain order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayList(opts, listOpts, cmd)
		},
	}
	list.Flags().StringVar(&listOpts.Status, "status", "", "only entries in this status")
	list.Flags().StringVar(&listOpts.Priority, "priority", "", "only entries of this priority")
	list.Flags().StringVar(&listOpts.Cursor, "cursor", "", "continue after this cursor")
	list.Flags().IntVar(&listOpts.Limit, "limit", 0, "page size")

	cmd.AddCommand(status, cancel, trigger, list)
	return cmd
}

func runReplayStatus(opts *AdminOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var v coord.ReplayView
	if err := runSystem(opts, cmd, f, coord.FuncReplayStatus, replayRef{ReplayID: id}, &v); err != nil {
		return err
	}
	return f.Success(v, func(w io.Writer) error {
		return writeReplay(w, v)
	})
}

func writeReplay(w io.Writer, v coord.ReplayView) error {
	fmt.Fprintf(w, "Replay: %s\n", v.ReplayID)
	fmt.Fprintf(w, "  Function: %s\n", v.Function)
	fmt.Fprintf(w, "  Status:   %s (%s priority)\n", v.Status, v.Priority)
	fmt.Fprintf(w, "  Reason:   %s\n", v.Reason)
	fmt.Fprintf(w, "  Attempts: %d/%d\n", v.Attempts, v.MaxAttempts)
	fmt.Fprintf(w, "  Queued:   %s\n", humanize.Time(v.QueuedAt))
	if !v.Status.Terminal() {
		fmt.Fprintf(w, "  Next:     %s\n", humanize.Time(v.NextAttemptAt))
		fmt.Fprintf(w, "  Expires:  %s\n", humanize.Time(v.ExpiresAt))
	}
	if len(v.Result) > 0 {
		fmt.Fprintf(w, "  Result:   %s\n", v.Result)
	}
	if v.Error != nil {
		fmt.Fprintf(w, "  Error:    [%s] %s\n", v.Error.Code, v.Error.Message)
	}
	return nil
}

func runReplayCancel(opts *AdminOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var c Cancelled
	if err := runSystem(opts, cmd, f, coord.FuncReplayCancel, replayRef{ReplayID: id}, &c); err != nil {
		return err
	}
	return f.Success(c, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Cancelled %s\n", id)
		return err
	})
}

func runReplayTrigger(opts *AdminOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var t Triggered
	if err := runSystem(opts, cmd, f, coord.FuncReplayTrigger, replayRef{ReplayID: id}, &t); err != nil {
		return err
	}
	return f.Success(t, func(w io.Writer) error {
		if !t.Triggered {
			_, err := fmt.Fprintf(w, "%s was not attempted (%s)\n", id, t.Status)
			return err
		}
		_, err := fmt.Fprintf(w, "%s attempted: %s\n", id, t.Status)
		return err
	})
}

func runReplayList(opts *AdminOptions, listOpts *ReplayListOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	args := map[string]any{}
	if listOpts.Status != "" {
		args["status"] = listOpts.Status
	}
	if listOpts.Priority != "" {
		args["priority"] = listOpts.Priority
	}
	if listOpts.Cursor != "" {
		args["cursor"] = listOpts.Cursor
	}
	if listOpts.Limit > 0 {
		args["limit"] = listOpts.Limit
	}

	var page ReplayPage
	if err := runSystem(opts, cmd, f, coord.FuncReplayList, args, &page); err != nil {
		return err
	}
	return f.Success(page, func(w io.Writer) error {
		if len(page.Entries) == 0 {
			_, err := fmt.Fprintln(w, "No replay entries")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFUNCTION\tPRIORITY\tSTATUS\tATTEMPTS\tQUEUED")
		for _, e := range page.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				e.ReplayID, e.Function, e.Priority, e.Status, e.Attempts, e.MaxAttempts, humanize.Time(e.QueuedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if page.NextCursor != "" {
			fmt.Fprintf(w, "More results: --cursor %s\n", page.NextCursor)
		}
		return nil
	})
}
