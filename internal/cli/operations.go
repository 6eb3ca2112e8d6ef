package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/operation"
)

// OperationListOptions holds flags for operations list.
type OperationListOptions struct {
	Status   string
	Function string
	Cursor   string
	Limit    int
}

// OperationPage is the result of operations list.
type OperationPage struct {
	Operations []operation.Operation `json:"operations"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// Cancelled is the result of operations cancel.
type Cancelled struct {
	Cancelled bool             `json:"cancelled"`
	Status    operation.Status `json:"status,omitempty"`
}

type operationRef struct {
	OperationID string `json:"operation_id"`
}

// NewOperationsCommand creates the operations command group.
func NewOperationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}
	listOpts := &OperationListOptions{}

	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect and cancel long-running operations",
		Long: `Inspect and cancel long-running operations.

list shows only operations owned by --caller.

Examples:
  vend operations status id-0001
  vend operations cancel id-0001
  vend operations list --caller alice --status processing`,
	}
	addAdminFlags(cmd, opts)

	status := &cobra.Command{
		Use:           "status <operation-id>",
		Short:         "Show an operation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperationStatus(opts, args[0], cmd)
		},
	}

	cancel := &cobra.Command{
		Use:           "cancel <operation-id>",
		Short:         "Request cancellation of an operation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperationCancel(opts, args[0], cmd)
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List the caller's operations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperationList(opts, listOpts, cmd)
		},
	}
	list.Flags().StringVar(&listOpts.Status, "status", "", "only operations in this status")
	list.Flags().StringVar(&listOpts.Function, "function", "", "only operations of this function")
	list.Flags().StringVar(&listOpts.Cursor, "cursor", "", "continue after this cursor")
	list.Flags().IntVar(&listOpts.Limit, "limit", 0, "page size")

	cmd.AddCommand(status, cancel, list)
	return cmd
}

func runOperationStatus(opts *AdminOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var op operation.Operation
	if err := runSystem(opts, cmd, f, coord.FuncOperationsStatus, operationRef{OperationID: id}, &op); err != nil {
		return err
	}
	return f.Success(op, func(w io.Writer) error {
		return writeOperation(w, op)
	})
}

func writeOperation(w io.Writer, op operation.Operation) error {
	fmt.Fprintf(w, "Operation: %s\n", op.ID)
	fmt.Fprintf(w, "  Function: %s@%s\n", op.Function, op.Version)
	fmt.Fprintf(w, "  Status:   %s\n", op.Status)
	fmt.Fprintf(w, "  Progress: %.0f%%\n", op.Progress*100)
	fmt.Fprintf(w, "  Created:  %s\n", humanize.Time(op.CreatedAt))
	if op.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", humanize.Time(*op.CompletedAt))
	}
	if len(op.Result) > 0 {
		fmt.Fprintf(w, "  Result:   %s\n", op.Result)
	}
	for _, e := range op.Errors {
		fmt.Fprintf(w, "  Error:    [%s] %s\n", e.Code, e.Message)
	}
	return nil
}

func runOperationCancel(opts *AdminOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var c Cancelled
	if err := runSystem(opts, cmd, f, coord.FuncOperationsCancel, operationRef{OperationID: id}, &c); err != nil {
		return err
	}
	return f.Success(c, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Cancellation requested for %s (status %s)\n", id, c.Status)
		return err
	})
}

func runOperationList(opts *AdminOptions, listOpts *OperationListOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	args := map[string]any{}
	if listOpts.Status != "" {
		args["status"] = listOpts.Status
	}
	if listOpts.Function != "" {
		args["function"] = listOpts.Function
	}
	if listOpts.Cursor != "" {
		args["cursor"] = listOpts.Cursor
	}
	if listOpts.Limit > 0 {
		args["limit"] = listOpts.Limit
	}

	var page OperationPage
	if err := runSystem(opts, cmd, f, coord.FuncOperationsList, args, &page); err != nil {
		return err
	}
	return f.Success(page, func(w io.Writer) error {
		if len(page.Operations) == 0 {
			_, err := fmt.Fprintln(w, "No operations")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFUNCTION\tSTATUS\tPROGRESS\tCREATED")
		for _, op := range page.Operations {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\n",
				op.ID, op.Function, op.Status, op.Progress*100, humanize.Time(op.CreatedAt))
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
