package harness

import "sync"

// Frame directions, seen from the origin.
const (
	DirOut = "out"
	DirIn  = "in"
)

// TraceEvent is one frame that crossed the pipe.
type TraceEvent struct {
	Seq   uint64         `json:"seq"`
	Dir   string         `json:"dir"`
	Kind  string         `json:"kind"`
	Frame map[string]any `json:"frame,omitempty"`
	Raw   string         `json:"raw,omitempty"` // set when the frame did not decode
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace holds every frame exchanged, in the order the origin saw it.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step expectation and assertion failures.
	// Empty if Pass is true.
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

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// recorder collects trace events from the pump goroutine and the steps.
type recorder struct {
	mu     sync.Mutex
	events []TraceEvent
	n      uint64
}

func (r *recorder) add(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	ev.Seq = r.n
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}

// count returns how many events were recorded in dir.
func (r *recorder) count(dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Dir == dir {
			n++
		}
	}
	return n
}
