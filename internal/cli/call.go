package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/vend/internal/httpapi"
	"github.com/roach88/vend/internal/protocol"
)

const callTimeout = 60 * time.Second

// CallOptions holds flags for the call command.
type CallOptions struct {
	Version string
	Server  string
	ID      string

	LockKey   string
	LockTTL   time.Duration
	LockWait  time.Duration
	LockScope string
	KeepLock  bool

	IdempotencyKey string
	IdempotencyTTL time.Duration

	Async    bool
	Callback string

	Replay         bool
	ReplayPriority string
	ReplayTTL      time.Duration
	ReplayCallback string
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{}

	cmd := &cobra.Command{
		Use:   "call <function> [arguments-json]",
		Short: "Call a function through the coordination layer",
		Long: `Call a function, optionally under a lock, an idempotency key, as a
long-running operation or with replay on unavailability.

Without --server the call is dispatched in-process against the configured
store, so it shares locks, idempotency records and replay entries with any
server using the same store.

Examples:
  vend call vend.echo '{"message":"hi"}'
  vend call vend.echo '{}' --lock-key order-7 --lock-ttl 30s
  vend call vend.sleep '{"duration":"2s"}' --async --server http://localhost:8080
  vend call billing.charge '{"cents":100}' --idempotency-key charge-7 --replay`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(rootOpts, opts, args, cmd)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.Version, "fn-version", "", "function version (default 1)")
	fs.StringVar(&opts.Server, "server", "", "vend server base URL; dispatch in-process when empty")
	fs.StringVar(&opts.ID, "id", "", "request id (generated when empty)")
	fs.StringVar(&opts.LockKey, "lock-key", "", "hold this lock while the call runs")
	fs.DurationVar(&opts.LockTTL, "lock-ttl", 0, "lock TTL")
	fs.DurationVar(&opts.LockWait, "lock-wait", 0, "wait up to this long for a held lock")
	fs.StringVar(&opts.LockScope, "lock-scope", "", "lock scope (function|global)")
	fs.BoolVar(&opts.KeepLock, "keep-lock", false, "keep the lock after the call returns")
	fs.StringVar(&opts.IdempotencyKey, "idempotency-key", "", "deduplicate calls sharing this key")
	fs.DurationVar(&opts.IdempotencyTTL, "idempotency-ttl", 0, "idempotency record TTL")
	fs.BoolVar(&opts.Async, "async", false, "run as a long-running operation")
	fs.StringVar(&opts.Callback, "callback", "", "webhook for the operation's terminal status")
	fs.BoolVar(&opts.Replay, "replay", false, "queue the call for replay if the service is unavailable")
	fs.StringVar(&opts.ReplayPriority, "replay-priority", "", "replay priority (high|normal|low)")
	fs.DurationVar(&opts.ReplayTTL, "replay-ttl", 0, "how long a queued replay stays eligible")
	fs.StringVar(&opts.ReplayCallback, "replay-callback", "", "webhook for the replay's outcome")
	addStoreFlags(cmd, false)

	return cmd
}

func runCall(rootOpts *RootOptions, opts *CallOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)

	var rawArgs string
	if len(args) > 1 {
		rawArgs = args[1]
	}
	req, err := opts.request(args[0], rawArgs)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeArgs, "invalid call", err)
	}

	resp, err := dispatch(rootOpts, opts.Server, cmd, formatter, req)
	if err != nil {
		return err
	}
	return writeResponse(formatter, resp)
}

// request builds the envelope for a call of function with the JSON
// arguments raw.
func (o *CallOptions) request(function, raw string) (protocol.Request, error) {
	req := protocol.Request{
		Protocol: protocol.Version,
		ID:       o.ID,
		Call:     protocol.Call{Function: function, Version: o.Version},
	}
	if req.ID == "" {
		req.ID = newRequestID()
	}
	if raw != "" {
		if !json.Valid([]byte(raw)) {
			return protocol.Request{}, fmt.Errorf("arguments are not valid JSON")
		}
		req.Call.Arguments = json.RawMessage(raw)
	}

	if o.LockKey != "" {
		lo := map[string]any{"key": o.LockKey}
		setSeconds(lo, "ttl", o.LockTTL)
		setSeconds(lo, "wait", o.LockWait)
		if o.LockScope != "" {
			lo["scope"] = o.LockScope
		}
		if o.KeepLock {
			lo["auto_release"] = false
		}
		req.Extensions = append(req.Extensions, protocol.Extension{URN: protocol.URNAtomicLock, Options: lo})
	}
	if o.IdempotencyKey != "" {
		idem := map[string]any{"key": o.IdempotencyKey}
		setSeconds(idem, "ttl", o.IdempotencyTTL)
		req.Extensions = append(req.Extensions, protocol.Extension{URN: protocol.URNIdempotency, Options: idem})
	}
	if o.Async || o.Callback != "" {
		ao := map[string]any{"preferred": o.Async}
		if o.Callback != "" {
			ao["callback_url"] = o.Callback
		}
		req.Extensions = append(req.Extensions, protocol.Extension{URN: protocol.URNAsync, Options: ao})
	}
	if o.Replay || o.ReplayPriority != "" || o.ReplayCallback != "" {
		ro := map[string]any{}
		setSeconds(ro, "ttl", o.ReplayTTL)
		if o.ReplayPriority != "" {
			ro["priority"] = o.ReplayPriority
		}
		if o.ReplayCallback != "" {
			ro["callback_url"] = o.ReplayCallback
		}
		req.Extensions = append(req.Extensions, protocol.Extension{URN: protocol.URNReplay, Options: ro})
	}
	return req, nil
}

func setSeconds(m map[string]any, key string, d time.Duration) {
	if d > 0 {
		m[key] = d.Seconds()
	}
}

// postRPC sends req to a vend server and decodes its response envelope.
func postRPC(ctx context.Context, server, caller string, req protocol.Request) (*protocol.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	url := strings.TrimSuffix(server, "/") + "/rpc"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if caller != "" {
		hreq.Header.Set(httpapi.HeaderCaller, caller)
	}

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	hresp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, httpapi.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if hresp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", hresp.Status, strings.TrimSpace(string(data)))
	}
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// writeResponse prints resp. A failed response exits with ExitFailure
// carrying its first error's code.
func writeResponse(f *OutputFormatter, resp *protocol.Response) error {
	if f.IsJSON() {
		if err := json.NewEncoder(f.Writer).Encode(resp); err != nil {
			return err
		}
		if resp.Failed() {
			return WrapExitError(ExitFailure, string(resp.Errors[0].Code), resp.Errors[0])
		}
		return nil
	}

	if resp.Failed() {
		for _, frag := range resp.Extensions {
			writeFragment(f.Writer, frag)
		}
		return f.Refused(resp.Errors[0])
	}
	if len(resp.Result) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp.Result, "", "  "); err != nil {
			buf.Reset()
			buf.Write(resp.Result)
		}
		fmt.Fprintln(f.Writer, buf.String())
	}
	for _, frag := range resp.Extensions {
		writeFragment(f.Writer, frag)
	}
	return nil
}

func writeFragment(w io.Writer, frag protocol.ExtensionResult) {
	data, err := json.Marshal(frag.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", strings.TrimPrefix(frag.URN, "urn:vend:ext:"), data)
}
