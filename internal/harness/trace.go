package harness

import (
	"bytes"
	"fmt"
	"sort"
)

// TraceEvent is one entry in a scenario trace: either an executed step
// (kind "op") or a bus event observed during the run (kind "event").
type TraceEvent struct {
	Seq    int               `json:"seq"`
	Kind   string            `json:"kind"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool

	// Trace interleaves steps and bus events in publish order.
	Trace []TraceEvent

	// Errors lists expect and assertion failures. Empty when Pass.
	Errors []string
}

func newResult() *Result {
	return &Result{Pass: true}
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// RenderTrace formats the trace one event per line with fields sorted
// by key, a stable layout for golden comparison and failure output.
func (r *Result) RenderTrace() []byte {
	var buf bytes.Buffer
	for _, ev := range r.Trace {
		fmt.Fprintf(&buf, "%02d %-5s %s", ev.Seq, ev.Kind, ev.Name)
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, " %s=%s", k, ev.Fields[k])
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
