package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fieldops/rigtrack/internal/bus"
	"github.com/fieldops/rigtrack/internal/catalog"
	"github.com/fieldops/rigtrack/internal/conflict"
	"github.com/fieldops/rigtrack/internal/engine"
	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
	"github.com/fieldops/rigtrack/internal/syncq"
)

// Scenario wall clock start. Every component tick advances one second,
// so timestamps are deterministic without being constant.
var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// runner wires a complete stack for one scenario execution.
type runner struct {
	dir      string
	store    *store.Store
	rows     *flakyRows
	bus      *bus.Bus
	queue    *syncq.Queue
	resolver *conflict.Resolver
	engine   *engine.Engine

	mu    sync.Mutex
	now   time.Time
	seq   int
	trace []TraceEvent
	codes map[string]string // unit id -> equipment code

	stopRecorder func()
	stopSync     func()
}

// flakyRows wraps the row store and fails writes while offline.
type flakyRows struct {
	*store.Store
	mu      sync.Mutex
	offline bool
}

func (f *flakyRows) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *flakyRows) Execute(ctx context.Context, op store.Op) error {
	f.mu.Lock()
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return store.ErrUnavailable
	}
	return f.Store.Execute(ctx, op)
}

func (f *flakyRows) Batch(ctx context.Context, ops []store.Op) error {
	f.mu.Lock()
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return store.ErrUnavailable
	}
	return f.Store.Batch(ctx, ops)
}

func newRunner(scenario *Scenario) (*runner, error) {
	cat, errs := catalog.Load(scenario.Catalog, catalog.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load catalog: %w", errs[0])
	}

	dir, err := os.MkdirTemp("", "rigtrack-harness-*")
	if err != nil {
		return nil, err
	}
	s, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &runner{
		dir:   dir,
		store: s,
		rows:  &flakyRows{Store: s},
		bus:   bus.New(logger),
		now:   epoch,
		codes: make(map[string]string),
	}
	r.stopRecorder = r.bus.Subscribe(bus.Wildcard, r.record)

	w := store.NewWriter(r.rows, logger)
	r.queue = syncq.New(s, r.rows, r.bus,
		syncq.WithBackoff(time.Millisecond, 2*time.Millisecond),
		syncq.WithLogger(logger),
		syncq.WithNow(r.tick),
	)
	r.resolver = conflict.New(s, w, r.queue, r.bus,
		conflict.WithLogger(logger),
		conflict.WithNow(r.tick),
	)
	r.queue.SetPreflight(r.resolver)
	r.engine = engine.New(s, w, r.bus, cat,
		engine.WithLogger(logger),
		engine.WithNow(r.tick),
		engine.WithQueue(r.queue),
		engine.WithConflictGate(r.resolver),
	)
	if err := r.engine.Load(context.Background()); err != nil {
		r.close()
		return nil, fmt.Errorf("load engine: %w", err)
	}
	r.stopSync = r.engine.ObserveSync()
	return r, nil
}

func (r *runner) close() {
	if r.stopSync != nil {
		r.stopSync()
	}
	if r.stopRecorder != nil {
		r.stopRecorder()
	}
	r.store.Close()
	os.RemoveAll(r.dir)
}

func (r *runner) tick() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(time.Second)
	return r.now
}

// Run executes a scenario against a freshly wired stack and evaluates
// its expect clauses and assertions. Infrastructure failures return an
// error; expectation failures land in the result.
func Run(scenario *Scenario) (*Result, error) {
	r, err := newRunner(scenario)
	if err != nil {
		return nil, err
	}
	defer r.close()

	result := newResult()
	ctx := context.Background()

	for i, step := range scenario.Setup {
		outcome, _ := r.invoke(ctx, step)
		if outcome != "ok" {
			return nil, fmt.Errorf("setup[%d] %s: outcome %s", i, step.Op, outcome)
		}
	}
	for i, step := range scenario.Flow {
		outcome, fields := r.invoke(ctx, step)
		checkExpect(result, i, step, outcome, fields)
	}
	for i, assertion := range scenario.Assertions {
		r.mu.Lock()
		trace := append([]TraceEvent(nil), r.trace...)
		r.mu.Unlock()
		if err := r.assert(ctx, trace, assertion); err != nil {
			result.addError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	r.mu.Lock()
	result.Trace = r.trace
	r.mu.Unlock()
	return result, nil
}

func checkExpect(result *Result, i int, step Step, outcome string, fields map[string]string) {
	if step.Expect == nil {
		return
	}
	if outcome != step.Expect.Outcome {
		result.addError(fmt.Sprintf("flow[%d] %s: outcome %s, want %s",
			i, step.Op, outcome, step.Expect.Outcome))
		return
	}
	for k, want := range step.Expect.Result {
		if got, ok := fields[k]; !ok || got != stringify(want) {
			result.addError(fmt.Sprintf("flow[%d] %s: result %s=%s, want %s",
				i, step.Op, k, fields[k], stringify(want)))
		}
	}
}

// invoke dispatches one step. It returns the outcome ("ok", an error
// code, or "error") and the merged args-plus-result fields, which are
// also appended to the trace.
func (r *runner) invoke(ctx context.Context, step Step) (string, map[string]string) {
	fields := make(map[string]string, len(step.Args)+4)
	for k, v := range step.Args {
		fields[k] = stringify(v)
	}

	result, err := r.dispatch(ctx, step)
	outcome := "ok"
	if err != nil {
		if code := equipment.CodeOf(err); code != "" {
			outcome = string(code)
		} else {
			outcome = "error"
			fields["error"] = err.Error()
		}
	}
	for k, v := range result {
		fields[k] = v
	}
	fields["outcome"] = outcome

	r.append("op", step.Op, fields)
	return outcome, fields
}

func (r *runner) dispatch(ctx context.Context, step Step) (map[string]string, error) {
	arg := func(k string) string { return stringify(step.Args[k]) }

	switch step.Op {
	case "provision":
		u, err := r.engine.Provision(ctx, engine.ProvisionRequest{
			TypeID:     arg("type"),
			Code:       arg("code"),
			LocationID: arg("location"),
			Notes:      arg("notes"),
		})
		if err != nil {
			return nil, err
		}
		r.learn(u.ID, u.Code)
		return map[string]string{
			"code":     u.Code,
			"status":   string(u.Status),
			"location": u.LocationID,
			"version":  strconv.FormatInt(u.Version, 10),
		}, nil

	case "allocate":
		rec, err := r.engine.Allocate(ctx, r.unitID(arg("unit")), arg("job"), arg("node"))
		if err != nil {
			return nil, err
		}
		u, _ := r.engine.Unit(rec.UnitID)
		return map[string]string{
			"status":  string(u.Status),
			"job":     u.JobID,
			"pending": strconv.FormatBool(rec.Pending),
		}, nil

	case "return":
		id := r.unitID(arg("unit"))
		if err := r.engine.Deallocate(ctx, id, arg("job")); err != nil {
			return nil, err
		}
		u, _ := r.engine.Unit(id)
		return map[string]string{
			"status":   string(u.Status),
			"location": u.LocationID,
		}, nil

	case "return-all":
		results := r.engine.ReturnAllForJob(ctx, arg("job"))
		returned := 0
		for _, res := range results {
			if res.Err == nil {
				returned++
			}
		}
		return map[string]string{"returned": strconv.Itoa(returned)}, nil

	case "set-status":
		id := r.unitID(arg("unit"))
		err := r.engine.SetStatus(ctx, id, equipment.Status(arg("status")), engine.StatusChangeOptions{
			Reason:     arg("reason"),
			LocationID: arg("location"),
			Notes:      arg("notes"),
		})
		if err != nil {
			return nil, err
		}
		u, _ := r.engine.Unit(id)
		return map[string]string{"status": string(u.Status)}, nil

	case "rename":
		id := r.unitID(arg("unit"))
		if err := r.engine.Rename(ctx, id, arg("code")); err != nil {
			return nil, err
		}
		r.learn(id, arg("code"))
		return map[string]string{"code": arg("code")}, nil

	case "set-online":
		online, _ := step.Args["online"].(bool)
		r.rows.setOffline(!online)
		if err := r.queue.SetOnline(ctx, online); err != nil {
			return nil, err
		}
		return map[string]string{"online": strconv.FormatBool(online)}, nil

	case "drain":
		return nil, r.queue.Drain(ctx)

	case "resolve":
		choice := conflict.Choice(arg("keep"))
		return nil, r.resolver.Resolve(ctx, r.unitID(arg("unit")), choice)
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

// learn records a unit id to code mapping for trace rendering.
func (r *runner) learn(id, code string) {
	r.mu.Lock()
	r.codes[id] = code
	r.mu.Unlock()
}

// unitID resolves an equipment code back to the unit id. Unknown codes
// pass through so not-found paths surface their own error.
func (r *runner) unitID(code string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.codes {
		if c == code {
			return id
		}
	}
	return code
}

func (r *runner) codeOf(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.codes[id]; ok {
		return code
	}
	return id
}

func (r *runner) append(kind, name string, fields map[string]string) {
	r.mu.Lock()
	r.seq++
	r.trace = append(r.trace, TraceEvent{Seq: r.seq, Kind: kind, Name: name, Fields: fields})
	r.mu.Unlock()
}

// record is the wildcard bus subscriber. Payloads flatten to string
// fields, with units rendered by code so traces stay deterministic.
func (r *runner) record(topic string, payload any) {
	fields := map[string]string{}
	switch ev := payload.(type) {
	case equipment.StatusChangedEvent:
		fields["unit"] = ev.Code
		fields["from"] = string(ev.From)
		fields["to"] = string(ev.To)
		if ev.JobID != "" {
			fields["job"] = ev.JobID
		}
		fields["pending"] = strconv.FormatBool(ev.Pending)
	case *equipment.Unit:
		fields["code"] = ev.Code
		fields["status"] = string(ev.Status)
		fields["location"] = ev.LocationID
		fields["version"] = strconv.FormatInt(ev.Version, 10)
	case equipment.AllocationRequestedEvent:
		fields["unit"] = r.codeOf(ev.UnitID)
		fields["job"] = ev.JobID
		if ev.NodeID != "" {
			fields["node"] = ev.NodeID
		}
	case syncq.DeliveredEvent:
		flattenQueuedOp(r, fields, ev.Op)
		fields["remaining"] = strconv.Itoa(ev.Remaining)
	case syncq.AbandonedEvent:
		flattenQueuedOp(r, fields, ev.Op)
		fields["reason"] = ev.Reason
	case *conflict.Record:
		fields["unit"] = r.codeOf(ev.UnitID)
		if ev.Choice != "" {
			fields["choice"] = string(ev.Choice)
		}
	case bool:
		fields["online"] = strconv.FormatBool(ev)
	}
	r.append("event", topic, fields)
}

func flattenQueuedOp(r *runner, fields map[string]string, op *store.QueuedOp) {
	fields["table"] = op.TargetTable
	switch op.TargetTable {
	case store.TableEquipment:
		fields["target"] = r.codeOf(op.TargetID)
	case store.TableJobs:
		fields["target"] = op.TargetID
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
