package harness

// TraceEvent records one executed step. Session fields hold scenario
// aliases, never generated ids, so traces are deterministic.
type TraceEvent struct {
	Step       int    `json:"step"`
	Op         string `json:"op"`
	Session    string `json:"session,omitempty"`
	Outcome    string `json:"outcome"` // "ok" or an error code
	Len        *int   `json:"len,omitempty"`
	ContextLen *int   `json:"context_len,omitempty"`
	Removed    *int   `json:"removed,omitempty"`
	Messages   int    `json:"messages"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
