package syncq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/rigtrack/internal/bus"
	"github.com/fieldops/rigtrack/internal/store"
)

// fakeDest is an in-memory delivery target with per-target failure
// injection.
type fakeDest struct {
	mu       sync.Mutex
	rows     map[string]store.Row // "table/id"
	failing  map[string]bool      // target ids that refuse delivery
	executed []store.Op
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		rows:    make(map[string]store.Row),
		failing: make(map[string]bool),
	}
}

func (d *fakeDest) setFailing(targetID string, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[targetID] = v
}

func (d *fakeDest) Execute(_ context.Context, op store.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing[op.ID] {
		return fmt.Errorf("deliver %s: %w", op.ID, store.ErrUnavailable)
	}
	key := op.Table + "/" + op.ID
	switch op.Kind {
	case store.OpDelete:
		delete(d.rows, key)
	default:
		d.rows[key] = op.Payload.Clone()
	}
	d.executed = append(d.executed, op)
	return nil
}

func (d *fakeDest) Batch(ctx context.Context, ops []store.Op) error {
	for _, op := range ops {
		if err := d.Execute(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDest) Fetch(_ context.Context, table, id string) (store.Row, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[table+"/"+id]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (d *fakeDest) AtomicBatch() bool { return true }

// deliveredTargets reports the row ids delivered so far, in delivery
// order. QueuedOp.Op addresses the destination row, so op.ID here is
// the equipment id, not the queue record id.
func (d *fakeDest) deliveredTargets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.executed))
	for i, op := range d.executed {
		ids[i] = op.ID
	}
	return ids
}

// deliveredVersions reports the payload versions delivered so far. The
// fixture stamps a distinct version per enqueue, which is what tells
// apart successive ops on the same target.
func (d *fakeDest) deliveredVersions() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	versions := make([]int64, len(d.executed))
	for i, op := range d.executed {
		versions[i], _ = op.Payload["version"].(int64)
	}
	return versions
}

func payloadVersion(op *store.QueuedOp) int64 {
	v, _ := op.Payload["version"].(int64)
	return v
}

// holdAll is a preflight that refuses every op.
type holdAll struct{}

func (holdAll) Check(context.Context, *store.QueuedOp) error {
	return errors.New("held for arbitration")
}

type queueFixture struct {
	t     *testing.T
	local *store.Store
	dest  *fakeDest
	bus   *bus.Bus
	queue *Queue
	seq   int
}

func newQueueFixture(t *testing.T, opts ...Option) *queueFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	f := &queueFixture{
		t:     t,
		local: local,
		dest:  newFakeDest(),
		bus:   bus.New(logger),
	}
	opts = append([]Option{
		WithLogger(logger),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	}, opts...)
	f.queue = New(local, f.dest, f.bus, opts...)
	return f
}

// enqueue adds an equipment update for targetID with a synthetic payload.
func (f *queueFixture) enqueue(targetID string) *store.QueuedOp {
	f.t.Helper()
	f.seq++
	op := &store.QueuedOp{
		ID:          fmt.Sprintf("op-%03d", f.seq),
		TargetTable: store.TableEquipment,
		Kind:        store.OpUpdate,
		TargetID:    targetID,
		Payload:     store.Row{"id": targetID, "version": int64(f.seq)},
		BaseVersion: int64(f.seq - 1),
	}
	require.NoError(f.t, f.queue.Enqueue(context.Background(), op))
	return op
}

func (f *queueFixture) capture(topic string) *[]any {
	var (
		mu       sync.Mutex
		payloads []any
	)
	f.bus.Subscribe(topic, func(_ string, payload any) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})
	return &payloads
}

func (f *queueFixture) pendingIDs() []string {
	f.t.Helper()
	ops, err := f.queue.Pending(context.Background())
	require.NoError(f.t, err)
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func TestDrainDeliversInOrder(t *testing.T) {
	f := newQueueFixture(t)
	op1 := f.enqueue("E1")
	op2 := f.enqueue("E1")
	op3 := f.enqueue("E1")

	require.NoError(t, f.queue.Drain(context.Background()))

	assert.Equal(t, []string{"E1", "E1", "E1"}, f.dest.deliveredTargets())
	assert.Equal(t, []int64{payloadVersion(op1), payloadVersion(op2), payloadVersion(op3)},
		f.dest.deliveredVersions(), "strict FIFO per target")
	assert.Empty(t, f.pendingIDs())
}

func TestEnqueueGroupIsAtomic(t *testing.T) {
	f := newQueueFixture(t)
	good := &store.QueuedOp{
		ID:          "op-a",
		TargetTable: store.TableEquipment,
		Kind:        store.OpUpdate,
		TargetID:    "E1",
		Payload:     store.Row{"id": "E1"},
	}
	bad := &store.QueuedOp{
		ID:          "op-b",
		TargetTable: store.TableEquipment,
		Kind:        store.OpUpdate,
		TargetID:    "E2",
		Payload:     store.Row{"id": make(chan int)}, // unencodable
	}

	err := f.queue.Enqueue(context.Background(), good, bad)
	require.Error(t, err)
	assert.Empty(t, f.pendingIDs(), "a failed group leaves no partial residue")
}

func TestDrainPublishesRemainingCounts(t *testing.T) {
	f := newQueueFixture(t)
	delivered := f.capture(TopicOpDelivered)
	f.enqueue("E1")
	f.enqueue("E1")

	require.NoError(t, f.queue.Drain(context.Background()))

	require.Len(t, *delivered, 2)
	assert.Equal(t, 1, (*delivered)[0].(DeliveredEvent).Remaining)
	assert.Equal(t, 0, (*delivered)[1].(DeliveredEvent).Remaining,
		"zero remaining marks the target fully confirmed")
}

func TestDrainStuckTargetDoesNotBlockOthers(t *testing.T) {
	f := newQueueFixture(t)
	stuck1 := f.enqueue("E1")
	ok1 := f.enqueue("E2")
	stuck2 := f.enqueue("E1")
	ok2 := f.enqueue("E3")
	f.dest.setFailing("E1", true)

	require.NoError(t, f.queue.Drain(context.Background()))

	assert.Equal(t, []string{"E2", "E3"}, f.dest.deliveredTargets())
	assert.Equal(t, []string{stuck1.ID, stuck2.ID}, f.pendingIDs(),
		"the stuck target keeps its ops in order")

	// Connectivity returns; the next drain clears the backlog.
	f.dest.setFailing("E1", false)
	require.NoError(t, f.queue.Drain(context.Background()))
	assert.Empty(t, f.pendingIDs())
	assert.Equal(t, []int64{payloadVersion(ok1), payloadVersion(ok2), payloadVersion(stuck1), payloadVersion(stuck2)},
		f.dest.deliveredVersions())
}

func TestDrainInterleavedTargetsKeepPerTargetOrder(t *testing.T) {
	f := newQueueFixture(t)
	a1 := f.enqueue("E1")
	b1 := f.enqueue("E2")
	a2 := f.enqueue("E1")
	c1 := f.enqueue("E3")
	b2 := f.enqueue("E2")

	require.NoError(t, f.queue.Drain(context.Background()))

	delivered := f.dest.deliveredVersions()
	require.Len(t, delivered, 5)
	pos := make(map[int64]int, 5)
	for i, v := range delivered {
		pos[v] = i
	}
	assert.Less(t, pos[payloadVersion(a1)], pos[payloadVersion(a2)])
	assert.Less(t, pos[payloadVersion(b1)], pos[payloadVersion(b2)])
	assert.Contains(t, delivered, payloadVersion(c1))
}

func TestMaxAttemptsAbandonsOpAndSuccessors(t *testing.T) {
	f := newQueueFixture(t, WithMaxAttempts(2))
	abandoned := f.capture(TopicOpAbandoned)
	head := f.enqueue("E1")
	tail := f.enqueue("E1")
	f.dest.setFailing("E1", true)

	ctx := context.Background()
	require.NoError(t, f.queue.Drain(ctx), "first drain leaves the op pending")
	require.Empty(t, *abandoned)

	require.NoError(t, f.queue.Drain(ctx), "second drain exhausts the budget")

	require.Len(t, *abandoned, 2)
	first := (*abandoned)[0].(AbandonedEvent)
	second := (*abandoned)[1].(AbandonedEvent)
	assert.Equal(t, head.ID, first.Op.ID)
	assert.Equal(t, ReasonMaxAttempts, first.Reason)
	assert.Equal(t, tail.ID, second.Op.ID)
	assert.Equal(t, ReasonSuperseded, second.Reason)

	assert.Empty(t, f.pendingIDs())
	rows, err := f.queue.Abandoned(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "abandoned rows are kept for operators")
}

func TestOperatorAbandon(t *testing.T) {
	f := newQueueFixture(t)
	abandoned := f.capture(TopicOpAbandoned)
	head := f.enqueue("E1")
	f.enqueue("E1")
	other := f.enqueue("E2")

	require.NoError(t, f.queue.Abandon(context.Background(), head.ID))

	require.Len(t, *abandoned, 2, "successors for the same row go with it")
	assert.Equal(t, ReasonOperator, (*abandoned)[0].(AbandonedEvent).Reason)
	assert.Equal(t, ReasonSuperseded, (*abandoned)[1].(AbandonedEvent).Reason)
	assert.Equal(t, []string{other.ID}, f.pendingIDs(), "other targets untouched")
}

func TestRunDrainsPeriodically(t *testing.T) {
	f := newQueueFixture(t)
	f.enqueue("E1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.queue.Run(ctx, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.dest.deliveredTargets()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotListsAllStates(t *testing.T) {
	f := newQueueFixture(t)
	head := f.enqueue("E1")
	tail := f.enqueue("E1")
	live := f.enqueue("E2")

	require.NoError(t, f.queue.Abandon(context.Background(), head.ID))

	ops, err := f.queue.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, head.ID, ops[0].ID)
	assert.Equal(t, store.QueueStateAbandoned, ops[0].State)
	assert.Equal(t, store.QueueStateAbandoned, ops[1].State)
	assert.Equal(t, tail.ID, ops[1].ID)
	assert.Equal(t, store.QueueStatePending, ops[2].State)
	assert.Equal(t, live.ID, ops[2].ID)
}

func TestAbandonUnknownOp(t *testing.T) {
	f := newQueueFixture(t)
	err := f.queue.Abandon(context.Background(), "op-404")
	require.Error(t, err)
}

func TestOfflineHoldsDrain(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.SetOnline(ctx, false))
	f.enqueue("E1")

	require.NoError(t, f.queue.Drain(ctx))
	assert.Empty(t, f.dest.deliveredTargets(), "nothing delivers while offline")
	assert.Len(t, f.pendingIDs(), 1)

	// The offline -> online transition drains automatically.
	require.NoError(t, f.queue.SetOnline(ctx, true))
	assert.Len(t, f.dest.deliveredTargets(), 1)
	assert.Empty(t, f.pendingIDs())
}

func TestSetOnlineIdempotent(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	transitions := f.capture(TopicOnlineChanged)

	require.NoError(t, f.queue.SetOnline(ctx, true), "already online")
	require.NoError(t, f.queue.SetOnline(ctx, false))
	require.NoError(t, f.queue.SetOnline(ctx, false))

	assert.Len(t, *transitions, 1, "only real transitions publish")
}

func TestPreflightHoldsDelivery(t *testing.T) {
	f := newQueueFixture(t, WithPreflight(holdAll{}))
	op := f.enqueue("E1")

	require.NoError(t, f.queue.Drain(context.Background()))

	assert.Empty(t, f.dest.deliveredTargets())
	assert.Equal(t, []string{op.ID}, f.pendingIDs())

	pending, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending[0].Attempts, "a held op burns no attempts")
}

func TestQueueSurvivesReopen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	local, err := store.Open(path)
	require.NoError(t, err)
	q := New(local, newFakeDest(), bus.New(logger), WithLogger(logger))
	require.NoError(t, q.Enqueue(context.Background(), &store.QueuedOp{
		ID:          "op-001",
		TargetTable: store.TableEquipment,
		Kind:        store.OpUpdate,
		TargetID:    "E1",
		Payload:     store.Row{"id": "E1"},
	}))
	require.NoError(t, local.Close())

	reopened, err := store.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	dest := newFakeDest()
	q2 := New(reopened, dest, bus.New(logger), WithLogger(logger),
		WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, q2.Drain(context.Background()))
	assert.Equal(t, []string{"E1"}, dest.deliveredTargets(),
		"queued ops survive restart")
}
