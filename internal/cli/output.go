package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/vend/internal/protocol"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The coordination layer refused the request, or scenarios failed
	ExitCommandError = 2 // Bad flags, unreadable config, unreachable store or server
)

// CLI error codes for failures that never reached the dispatcher.
// Dispatcher failures carry their protocol code instead.
const (
	ErrCodeGeneric  = "E001"
	ErrCodeConfig   = "E002"
	ErrCodeStore    = "E003"
	ErrCodeCatalog  = "E004"
	ErrCodeNotFound = "E005"
	ErrCodeServer   = "E006"
	ErrCodeArgs     = "E007"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not an
// ExitError exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; Writer when nil
	Verbose   bool
}

// CLIResponse is the envelope of --format json output.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command in JSON output.
type CLIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable,omitempty"`
	RetryAfter float64        `json:"retry_after,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// IsJSON reports whether output is JSON.
func (f *OutputFormatter) IsJSON() bool {
	return f.Format == "json"
}

// Success writes data. In text mode text renders it; a nil text prints
// data with fmt.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	if f.IsJSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == nil {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return text(f.Writer)
}

// Fail writes a CLI-level error and returns an ExitError with exitCode.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	msg := message
	if err != nil {
		msg = fmt.Sprintf("%s: %v", message, err)
	}
	f.writeError(&CLIError{Code: code, Message: msg})
	return WrapExitError(exitCode, message, err)
}

// Refused writes a protocol error returned by the dispatcher and returns
// an ExitError with ExitFailure.
func (f *OutputFormatter) Refused(perr *protocol.Error) error {
	f.writeError(&CLIError{
		Code:       string(perr.Code),
		Message:    perr.Message,
		Retryable:  perr.Retryable,
		RetryAfter: perr.RetryAfter,
		Details:    perr.Details,
	})
	return WrapExitError(ExitFailure, string(perr.Code), perr)
}

func (f *OutputFormatter) writeError(e *CLIError) {
	if f.IsJSON() {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: e})
		return
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message)
	if e.RetryAfter > 0 {
		fmt.Fprintf(f.Writer, "Retry after: %gs\n", e.RetryAfter)
	}
	if f.Verbose && len(e.Details) > 0 {
		fmt.Fprintf(f.Writer, "Details: %v\n", e.Details)
	}
}

// VerboseLog writes a diagnostic line when verbose output is on. It goes
// to ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
