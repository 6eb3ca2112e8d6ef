package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vend/internal/protocol"
)

// AdminOptions holds flags shared by the locks, operations and replay
// command groups.
type AdminOptions struct {
	*RootOptions
	Server string
}

// addAdminFlags declares --server and the store flags on a command group
// so every subcommand inherits them.
func addAdminFlags(cmd *cobra.Command, opts *AdminOptions) {
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "vend server base URL; use the configured store when empty")
	addStoreFlags(cmd, true)
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// dispatch sends req to server, or dispatches it in-process against the
// configured store when server is empty. CLI-level failures are written
// through f.
func dispatch(opts *RootOptions, server string, cmd *cobra.Command, f *OutputFormatter, req protocol.Request) (*protocol.Response, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if server != "" {
		f.VerboseLog("POST %s/rpc", strings.TrimSuffix(server, "/"))
		resp, err := postRPC(ctx, server, opts.Caller, req)
		if err != nil {
			return nil, f.Fail(ExitCommandError, ErrCodeServer, "call server", err)
		}
		return resp, nil
	}

	env, err := openEnvironment(ctx, opts, cmd, f)
	if err != nil {
		return nil, err
	}
	req.Caller = opts.Caller
	resp := env.Dispatcher.Dispatch(ctx, req)

	waitCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := env.Close(waitCtx); err != nil {
		f.VerboseLog("Close: %v", err)
	}
	return resp, nil
}

// runSystem calls a system function with args and decodes its result into
// out. A refused call is written through f.
func runSystem(opts *AdminOptions, cmd *cobra.Command, f *OutputFormatter, function string, args, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeArgs, "encode arguments", err)
	}
	req := protocol.Request{
		Protocol: protocol.Version,
		ID:       newRequestID(),
		Call:     protocol.Call{Function: function, Arguments: raw},
	}

	resp, err := dispatch(opts.RootOptions, opts.Server, cmd, f, req)
	if err != nil {
		return err
	}
	if resp.Failed() {
		return f.Refused(resp.Errors[0])
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "decode result", err)
	}
	return nil
}

func newRequestID() string {
	return fmt.Sprintf("cli-%d", time.Now().UnixNano())
}
