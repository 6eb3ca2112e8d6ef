package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/vend/internal/coord"
)

// LockFlags identify a lock the way the atomic-lock extension does.
type LockFlags struct {
	Scope    string
	Function string
	Owner    string
}

type lockRef struct {
	Key      string `json:"key"`
	Scope    string `json:"scope,omitempty"`
	Function string `json:"function,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// LockStatus is the result of locks status.
type LockStatus struct {
	Locked       bool       `json:"locked"`
	Owner        string     `json:"owner,omitempty"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TTLRemaining *float64   `json:"ttl_remaining,omitempty"`
}

// Released is the result of locks release and force-release.
type Released struct {
	Released bool `json:"released"`
}

// NewLocksCommand creates the locks command group.
func NewLocksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}
	lf := &LockFlags{}

	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release atomic locks",
		Long: `Inspect and release atomic locks.

Function-scoped locks need --function; global locks need --scope global.

Examples:
  vend locks status order-7 --function billing.charge
  vend locks release order-7 --function billing.charge --owner 9f2c...
  vend locks force-release deploy --scope global --caller ops`,
	}
	addAdminFlags(cmd, opts)
	cmd.PersistentFlags().StringVar(&lf.Scope, "scope", "", "lock scope (function|global)")
	cmd.PersistentFlags().StringVar(&lf.Function, "function", "", "function the lock is scoped to")

	status := &cobra.Command{
		Use:           "status <key>",
		Short:         "Show who holds a lock",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockStatus(opts, lf, args[0], cmd)
		},
	}

	release := &cobra.Command{
		Use:           "release <key>",
		Short:         "Release a lock you own",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockRelease(opts, lf, args[0], coord.FuncLocksRelease, cmd)
		},
	}
	release.Flags().StringVar(&lf.Owner, "owner", "", "owner token returned when the lock was acquired (required)")
	_ = release.MarkFlagRequired("owner")

	force := &cobra.Command{
		Use:           "force-release <key>",
		Short:         "Release a lock regardless of owner (privileged callers only)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockRelease(opts, lf, args[0], coord.FuncLocksForceRelease, cmd)
		},
	}

	cmd.AddCommand(status, release, force)
	return cmd
}

func (lf *LockFlags) ref(key string) lockRef {
	return lockRef{Key: key, Scope: lf.Scope, Function: lf.Function, Owner: lf.Owner}
}

func runLockStatus(opts *AdminOptions, lf *LockFlags, key string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var st LockStatus
	if err := runSystem(opts, cmd, f, coord.FuncLocksStatus, lf.ref(key), &st); err != nil {
		return err
	}
	return f.Success(st, func(w io.Writer) error {
		return writeLockStatus(w, key, st)
	})
}

func writeLockStatus(w io.Writer, key string, st LockStatus) error {
	if !st.Locked {
		_, err := fmt.Fprintf(w, "%s: free\n", key)
		return err
	}
	fmt.Fprintf(w, "%s: held by %s\n", key, st.Owner)
	if st.AcquiredAt != nil {
		fmt.Fprintf(w, "  Acquired: %s\n", humanize.Time(*st.AcquiredAt))
	}
	if st.TTLRemaining != nil {
		ttl := time.Duration(*st.TTLRemaining * float64(time.Second))
		fmt.Fprintf(w, "  Expires:  in %s\n", ttl.Round(time.Second))
	}
	return nil
}

func runLockRelease(opts *AdminOptions, lf *LockFlags, key, function string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	var r Released
	if err := runSystem(opts, cmd, f, function, lf.ref(key), &r); err != nil {
		return err
	}
	return f.Success(r, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Released %s\n", key)
		return err
	})
}
