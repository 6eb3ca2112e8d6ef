package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is an incoming call envelope.
//
// The whole value is JSON-serializable so it can be journaled verbatim by
// the replay queue and resubmitted later with every extension intact.
type Request struct {
	Protocol   string      `json:"protocol"`
	ID         string      `json:"id"`
	Call       Call        `json:"call"`
	Extensions []Extension `json:"extensions,omitempty"`

	// Caller identifies the principal that issued the request. Set by the
	// transport, used to scope operation listings.
	Caller string `json:"caller,omitempty"`
}

// Call names the function to execute and carries its arguments.
type Call struct {
	Function  string          `json:"function"`
	Version   string          `json:"version,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Extension is a declared extension with its normalized options.
type Extension struct {
	URN     string         `json:"urn"`
	Options map[string]any `json:"options,omitempty"`
}

// Decode copies the extension options into v (a pointer to an options
// struct with json tags).
func (e Extension) Decode(v any) error {
	if len(e.Options) == 0 {
		return nil
	}
	raw, err := json.Marshal(e.Options)
	if err != nil {
		return fmt.Errorf("decode %s options: %w", e.URN, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s options: %w", e.URN, err)
	}
	return nil
}

// Extension returns the declaration for urn, if present.
// When a URN is declared twice the first declaration wins.
func (r Request) Extension(urn string) (Extension, bool) {
	for _, ext := range r.Extensions {
		if ext.URN == urn {
			return ext, true
		}
	}
	return Extension{}, false
}

// FunctionVersion returns the call version, defaulting to "1".
func (c Call) FunctionVersion() string {
	if c.Version == "" {
		return "1"
	}
	return c.Version
}

// Response is the outgoing envelope.
type Response struct {
	Protocol   string            `json:"protocol"`
	ID         string            `json:"id"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Errors     []*Error          `json:"errors,omitempty"`
	Extensions []ExtensionResult `json:"extensions,omitempty"`
}

// ExtensionResult is a response fragment contributed by one extension.
type ExtensionResult struct {
	URN  string `json:"urn"`
	Data any    `json:"data"`
}

// NewResponse creates an empty response correlated with req.
func NewResponse(req Request) *Response {
	return &Response{Protocol: Version, ID: req.ID}
}

// Failed reports whether the response carries at least one error.
func (r *Response) Failed() bool {
	return len(r.Errors) > 0
}

// AddError appends err to the response.
func (r *Response) AddError(err *Error) {
	r.Errors = append(r.Errors, err)
}

// Attach appends a response fragment for urn.
func (r *Response) Attach(urn string, data any) {
	r.Extensions = append(r.Extensions, ExtensionResult{URN: urn, Data: data})
}

// Fragment returns the fragment attached for urn.
func (r *Response) Fragment(urn string) (any, bool) {
	for _, ext := range r.Extensions {
		if ext.URN == urn {
			return ext.Data, true
		}
	}
	return nil, false
}
