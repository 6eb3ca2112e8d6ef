package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/vend/internal/builtin"
	"github.com/roach88/vend/internal/catalog"
	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/store"
)

// PolicySummary describes one validated catalog entry.
type PolicySummary struct {
	Function       string   `json:"function"`
	Version        string   `json:"version"`
	Capabilities   []string `json:"capabilities"`
	LockTTL        float64  `json:"lock_ttl,omitempty"`
	IdempotencyTTL float64  `json:"idempotency_ttl,omitempty"`
	ReplayEligible bool     `json:"replay_eligible"`
	ReplayPriority string   `json:"replay_priority,omitempty"`
}

// CatalogResult is the result of catalog validate.
type CatalogResult struct {
	Dir      string          `json:"dir"`
	Files    int             `json:"files"`
	Policies []PolicySummary `json:"policies"`
	Errors   []string        `json:"errors,omitempty"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with CUE function catalogs",
	}

	validate := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a catalog against the schema and the builtin functions",
		Long: `Validate every .cue file in a catalog directory.

Policies are checked against the catalog schema, then applied to a
dispatcher serving the builtin functions, so policies for unknown
functions or undeclared capabilities are reported too.

Exit codes:
  0 - Catalog is valid
  1 - Catalog has errors
  2 - Command error (directory not found, etc.)

Examples:
  vend catalog validate ./functions
  vend catalog validate ./functions --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogValidate(rootOpts, args[0], cmd)
		},
	}

	cmd.AddCommand(validate)
	return cmd
}

func runCatalogValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	result := CatalogResult{Dir: dir, Policies: []PolicySummary{}}

	cat, err := catalog.Load(dir)
	if errors.Is(err, catalog.ErrNotFound) || errors.Is(err, catalog.ErrNoFiles) {
		return f.Fail(ExitCommandError, ErrCodeNotFound, "load catalog", err)
	}
	if err == nil {
		result.Files = cat.FileCount
		err = applyToBuiltins(cat)
	}
	if err != nil {
		result.Errors = errorLines(err)
	} else {
		for _, p := range cat.Policies {
			result.Policies = append(result.Policies, summarize(p))
		}
	}

	if len(result.Errors) > 0 {
		if f.IsJSON() {
			_ = f.Success(result, nil)
		} else {
			for _, e := range result.Errors {
				fmt.Fprintf(f.Writer, "✗ %s\n", e)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d catalog error(s)", len(result.Errors)))
	}

	return f.Success(result, func(w io.Writer) error {
		return writeCatalog(w, result)
	})
}

// errorLines flattens catalog.Errors and joined errors into one message
// per problem.
func errorLines(err error) []string {
	var errs catalog.Errors
	if errors.As(err, &errs) {
		out := make([]string, len(errs))
		for i, e := range errs {
			out[i] = e.Error()
		}
		return out
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// applyToBuiltins applies cat to a throwaway dispatcher serving the
// builtin functions.
func applyToBuiltins(cat *catalog.Catalog) error {
	st := store.NewMemory(clock.Real{})
	defer st.Close()
	d := coord.New(st, coord.Options{})
	if err := builtin.Register(d, clock.Real{}); err != nil {
		return err
	}
	return cat.Apply(d)
}

func summarize(p coord.Policy) PolicySummary {
	return PolicySummary{
		Function:       p.Function,
		Version:        p.Version,
		Capabilities:   p.Capabilities.Names(),
		LockTTL:        p.LockTTL.Seconds(),
		IdempotencyTTL: p.IdempotencyTTL.Seconds(),
		ReplayEligible: p.ReplayEligible,
		ReplayPriority: string(p.ReplayPriority),
	}
}

func writeCatalog(w io.Writer, r CatalogResult) error {
	fmt.Fprintf(w, "✓ %s: %d file(s), %d policies\n", r.Dir, r.Files, len(r.Policies))
	if len(r.Policies) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tVERSION\tCAPABILITIES\tREPLAY")
	for _, p := range r.Policies {
		replayCol := "no"
		if p.ReplayEligible {
			replayCol = p.ReplayPriority
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", p.Function, p.Version, p.Capabilities, replayCol)
	}
	return tw.Flush()
}
