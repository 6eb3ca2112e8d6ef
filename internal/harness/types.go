package harness

import "encoding/json"

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"`

	// call
	Function  string          `json:"function,omitempty"`
	Caller    string          `json:"caller,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	Code      string          `json:"code,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Fragments []string        `json:"fragments,omitempty"`

	// advance
	Now string `json:"now,omitempty"`

	// drain
	Drained *int `json:"drained,omitempty"`

	// maintenance
	Maintenance *bool `json:"maintenance,omitempty"`

	// callback
	Target string `json:"target,omitempty"`
	Status string `json:"status,omitempty"`
	Ref    string `json:"ref,omitempty"`
}

// Event types beyond the step kinds.
const (
	EventCallback = "callback"
)

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed check and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
