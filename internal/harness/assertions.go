package harness

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// AssertionError reports a failed assertion with the full trace for
// context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s\n", e.Actual)
	buf.WriteString("\ntrace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  %02d %s %s %v\n", ev.Seq, ev.Kind, ev.Name, ev.Fields)
	}
	return buf.String()
}

func (r *runner) assert(ctx context.Context, trace []TraceEvent, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertFinalState:
		return r.assertFinalState(ctx, trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertTraceContains checks that some trace entry matches the action
// name (an op or a bus topic) with the given fields as a subset.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Name == a.Action && matchFields(ev.Fields, a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with %v", a.Action, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the named actions each appear, with
// their first occurrences in the given order. Intervening entries are
// allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Name]; !seen {
			positions[ev.Name] = i + 1
		}
	}
	for _, action := range a.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all of %v present", a.Actions),
				Actual:   fmt.Sprintf("missing %s", action),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("order %v", a.Actions),
				Actual: fmt.Sprintf("%s (seq %d) after %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Name == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", a.Action, a.Count),
			Actual:   fmt.Sprintf("appears %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState reads the durable equipment row selected by code and
// compares the listed fields.
func (r *runner) assertFinalState(ctx context.Context, trace []TraceEvent, a Assertion) error {
	code := stringify(a.Where["code"])
	u, found, err := r.store.GetUnitByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	if !found {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("equipment row with code %s", code),
			Actual:   "no such row",
			Trace:    trace,
		}
	}

	got := map[string]string{
		"code":           u.Code,
		"type":           u.TypeID,
		"status":         string(u.Status),
		"job":            u.JobID,
		"location":       u.LocationID,
		"version":        strconv.FormatInt(u.Version, 10),
		"notes":          u.Notes,
		"red_tag_reason": u.RedTagReason,
	}
	for k, want := range a.Expect {
		actual, known := got[k]
		if !known {
			return fmt.Errorf("final_state: unknown equipment field %q", k)
		}
		if actual != stringify(want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s %s=%s", code, k, stringify(want)),
				Actual:   fmt.Sprintf("%s=%s", k, actual),
				Trace:    trace,
			}
		}
	}
	return nil
}

// matchFields reports whether every expected key is present in fields
// with a matching rendered value.
func matchFields(fields map[string]string, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := fields[k]
		if !ok || got != stringify(want) {
			return false
		}
	}
	return true
}
