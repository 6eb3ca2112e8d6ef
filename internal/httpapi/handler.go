// Package httpapi exposes the dispatcher over HTTP.
//
//	POST /rpc               request envelope in, response envelope out
//	GET  /operations/{id}   operation status, the target of poll_url
//	GET  /metrics           prometheus exposition
//	GET  /healthz           liveness and maintenance state
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/protocol"
)

const (
	// HeaderCaller carries the caller identity. Requests without it run as
	// coord.DefaultCaller.
	HeaderCaller = "X-Vend-Caller"

	// MaxBodyBytes bounds a request envelope.
	MaxBodyBytes = 1 << 20
)

// Options configures a Handler.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Tracing wraps every route with otelhttp.
	Tracing bool
}

// Handler serves the vend HTTP routes.
type Handler struct {
	dispatcher *coord.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracing    bool
}

// New creates a Handler over d.
func New(d *coord.Dispatcher, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: d,
		metrics:    opts.Metrics,
		logger:     logger,
		tracing:    opts.Tracing,
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /rpc", h.wrap("rpc", h.handleRPC))
	mux.Handle("GET /operations/{id}", h.wrap("operations.get", h.handleOperation))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// ServeMux returns a mux with every route registered.
func (h *Handler) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// httpError is a failure that happens before an envelope could be decoded.
type httpError struct {
	Status int
	Err    *protocol.Error
}

func (e httpError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Err.Error())
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := fn(w, r)
		if err == nil {
			h.logger.Debug("http request served",
				"operation", operation,
				"path", r.URL.Path,
				"elapsed", time.Since(start),
			)
			return
		}

		var he httpError
		if !errors.As(err, &he) {
			he = httpError{
				Status: http.StatusInternalServerError,
				Err:    protocol.NewError(protocol.CodeInternalError, "%v", err),
			}
		}
		h.logger.Debug("http request failed",
			"operation", operation,
			"path", r.URL.Path,
			"status", he.Status,
			"code", he.Err.Code,
			"elapsed", time.Since(start),
		)
		resp := &protocol.Response{Protocol: protocol.Version, Errors: []*protocol.Error{he.Err}}
		writeJSON(w, he.Status, resp)
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "vend.http."+operation)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var req protocol.Request
	if err := dec.Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		return httpError{Status: status, Err: protocol.NewError(protocol.CodeInvalidArgument, "decode request: %v", err)}
	}
	if req.Protocol != "" && req.Protocol != protocol.Version {
		return httpError{
			Status: http.StatusBadRequest,
			Err:    protocol.NewError(protocol.CodeInvalidArgument, "unsupported protocol %q, want %q", req.Protocol, protocol.Version),
		}
	}
	if req.Call.Function == "" {
		return httpError{Status: http.StatusBadRequest, Err: protocol.NewError(protocol.CodeInvalidArgument, "call.function is required")}
	}
	// The transport is the only source of caller identity.
	req.Caller = r.Header.Get(HeaderCaller)

	resp := h.dispatcher.Dispatch(r.Context(), req)
	setRetryAfter(w, resp)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleOperation(w http.ResponseWriter, r *http.Request) error {
	args, err := json.Marshal(map[string]string{"operation_id": r.PathValue("id")})
	if err != nil {
		return err
	}
	resp := h.dispatcher.Dispatch(r.Context(), protocol.Request{
		Protocol: protocol.Version,
		ID:       r.Header.Get("X-Request-Id"),
		Call:     protocol.Call{Function: coord.FuncOperationsStatus, Arguments: args},
		Caller:   r.Header.Get(HeaderCaller),
	})
	if resp.Failed() {
		status := http.StatusInternalServerError
		switch resp.Errors[0].Code {
		case protocol.CodeOperationNotFound:
			status = http.StatusNotFound
		case protocol.CodeInvalidArgument:
			status = http.StatusBadRequest
		}
		return httpError{Status: status, Err: resp.Errors[0]}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(resp.Result)
	return err
}

type healthResponse struct {
	Status      string `json:"status"`
	Maintenance bool   `json:"maintenance"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Maintenance: h.dispatcher.Gate().Maintenance(),
	})
	return nil
}

// setRetryAfter mirrors the largest retry_after hint as a Retry-After
// header in whole seconds.
func setRetryAfter(w http.ResponseWriter, resp *protocol.Response) {
	var longest float64
	for _, e := range resp.Errors {
		longest = math.Max(longest, e.RetryAfter)
	}
	if longest > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(longest))))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
