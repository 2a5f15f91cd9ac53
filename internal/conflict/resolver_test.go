package conflict

import (
	"context"
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
	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
	"github.com/fieldops/rigtrack/internal/syncq"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memRows is an in-memory authoritative row store for resolver tests.
type memRows struct {
	mu   sync.Mutex
	rows map[string]store.Row
}

func newMemRows() *memRows {
	return &memRows{rows: make(map[string]store.Row)}
}

func (m *memRows) put(table string, row store.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[table+"/"+row["id"].(string)] = row.Clone()
}

func (m *memRows) Execute(_ context.Context, op store.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op.Table + "/" + op.ID
	if op.Kind == store.OpDelete {
		delete(m.rows, key)
		return nil
	}
	m.rows[key] = op.Payload.Clone()
	return nil
}

func (m *memRows) Batch(ctx context.Context, ops []store.Op) error {
	for _, op := range ops {
		if err := m.Execute(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRows) Fetch(_ context.Context, table, id string) (store.Row, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[table+"/"+id]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (m *memRows) AtomicBatch() bool { return true }

type resolverFixture struct {
	t        *testing.T
	local    *store.Store
	remote   *memRows
	queue    *syncq.Queue
	bus      *bus.Bus
	resolver *Resolver
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	f := &resolverFixture{
		t:      t,
		local:  local,
		remote: newMemRows(),
		bus:    bus.New(logger),
	}
	w := store.NewWriter(f.remote, logger)
	f.queue = syncq.New(local, f.remote, f.bus,
		syncq.WithLogger(logger),
		syncq.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	f.resolver = New(local, w, f.queue, f.bus,
		WithLogger(logger),
		WithNow(func() time.Time { return testTime }),
	)
	return f
}

// unitRow builds an equipment payload for a deployed or stored unit.
func unitRow(id string, status equipment.Status, jobID, locationID string, version int64) store.Row {
	return store.EquipmentRow(&equipment.Unit{
		ID:         id,
		Code:       "PMP-0001",
		TypeID:     "pump",
		Status:     status,
		JobID:      jobID,
		LocationID: locationID,
		Version:    version,
		UpdatedAt:  testTime,
	})
}

func (f *resolverFixture) enqueueUpdate(id string, payload store.Row, baseVersion int64) *store.QueuedOp {
	f.t.Helper()
	op := &store.QueuedOp{
		ID:          fmt.Sprintf("op-%s-%d", id, baseVersion),
		TargetTable: store.TableEquipment,
		Kind:        store.OpUpdate,
		TargetID:    id,
		Payload:     payload,
		BaseVersion: baseVersion,
	}
	require.NoError(f.t, f.queue.Enqueue(context.Background(), op))
	return op
}

func TestCheckPassesWhenVersionsMatch(t *testing.T) {
	f := newResolverFixture(t)
	f.remote.put(store.TableEquipment, unitRow("E1", equipment.StatusAvailable, "", "yard", 2))
	op := f.enqueueUpdate("E1", unitRow("E1", equipment.StatusDeployed, "J1", "", 3), 2)

	require.NoError(t, f.resolver.Check(context.Background(), op))
	assert.False(t, f.resolver.Blocked("E1"))
}

func TestCheckPassesWhenStateAgreesDespiteMovedMarker(t *testing.T) {
	f := newResolverFixture(t)
	// Marker moved 2 -> 5 but status, job, and location all agree.
	f.remote.put(store.TableEquipment, unitRow("E1", equipment.StatusDeployed, "J1", "", 5))
	op := f.enqueueUpdate("E1", unitRow("E1", equipment.StatusDeployed, "J1", "", 3), 2)

	require.NoError(t, f.resolver.Check(context.Background(), op))
	assert.False(t, f.resolver.Blocked("E1"))
}

func TestCheckDetectsDivergence(t *testing.T) {
	f := newResolverFixture(t)
	detected := captureTopic(f.bus, TopicDetected)

	// Queued locally: deploy E1 to J1, issued against marker 2. The
	// store meanwhile shows E1 deployed to J2 at marker 5.
	f.remote.put(store.TableEquipment, unitRow("E1", equipment.StatusDeployed, "J2", "", 5))
	op := f.enqueueUpdate("E1", unitRow("E1", equipment.StatusDeployed, "J1", "", 3), 2)

	err := f.resolver.Check(context.Background(), op)
	require.Error(t, err)
	assert.True(t, equipment.IsConflicted(err))
	assert.True(t, f.resolver.Blocked("E1"))

	rec, ok := f.resolver.Record("E1")
	require.True(t, ok)
	assert.Equal(t, "J1", rec.Local.JobID)
	assert.Equal(t, "J2", rec.Remote.JobID)
	assert.Equal(t, int64(5), rec.Remote.Version)
	assert.NotEqual(t, rec.LocalFP, rec.RemoteFP)

	require.Len(t, *detected, 1)

	// Re-checking the same op reports the existing conflict, it does
	// not open a second record.
	err = f.resolver.Check(context.Background(), op)
	assert.True(t, equipment.IsConflicted(err))
	assert.Len(t, f.resolver.Records(), 1)
}

func TestCheckIgnoresNonEquipmentOps(t *testing.T) {
	f := newResolverFixture(t)
	op := &store.QueuedOp{
		ID:          "op-jobs",
		TargetTable: store.TableJobs,
		Kind:        store.OpUpdate,
		TargetID:    "J1",
		Payload:     store.Row{"id": "J1"},
	}
	require.NoError(t, f.resolver.Check(context.Background(), op))
}

func TestCheckMissingRemoteRowConflictsForUpdates(t *testing.T) {
	f := newResolverFixture(t)
	op := f.enqueueUpdate("E1", unitRow("E1", equipment.StatusDeployed, "J1", "", 3), 2)

	err := f.resolver.Check(context.Background(), op)
	require.Error(t, err)
	assert.True(t, equipment.IsConflicted(err))
}

func TestCheckMissingRemoteRowPassesForCreates(t *testing.T) {
	f := newResolverFixture(t)
	op := &store.QueuedOp{
		ID:          "op-create",
		TargetTable: store.TableEquipment,
		Kind:        store.OpCreate,
		TargetID:    "E9",
		Payload:     unitRow("E9", equipment.StatusAvailable, "", "yard", 1),
	}
	require.NoError(t, f.resolver.Check(context.Background(), op))
}

func TestResolveKeepRemote(t *testing.T) {
	f := newResolverFixture(t)
	resolved := captureTopic(f.bus, TopicResolved)
	abandoned := captureTopic(f.bus, syncq.TopicOpAbandoned)

	f.remote.put(store.TableEquipment, unitRow("E1", equipment.StatusDeployed, "J2", "", 5))
	op := f.enqueueUpdate("E1", unitRow("E1", equipment.StatusDeployed, "J1", "", 3), 2)
	require.Error(t, f.resolver.Check(context.Background(), op))

	require.NoError(t, f.resolver.Resolve(context.Background(), "E1", ChoiceRemote))

	assert.False(t, f.resolver.Blocked("E1"), "gate lifts on resolution")
	require.Len(t, *resolved, 1)
	assert.Equal(t, ChoiceRemote, (*resolved)[0].(*Record).Choice)

	// The queued local op was abandoned, so the engine reverts.
	require.Len(t, *abandoned, 1)
	pending, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The store keeps its state.
	row, ok, err := f.remote.Fetch(context.Background(), store.TableEquipment, "E1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "J2", row["job_id"])

	// Resolution is recorded in the unit's history.
	entries, err := readRemoteHistory(f.remote, "E1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.HistoryActionConflict, entries[0]["action"])
}

func TestResolveKeepLocal(t *testing.T) {
	f := newResolverFixture(t)

	f.remote.put(store.TableEquipment, unitRow("E1", equipment.StatusDeployed, "J2", "", 5))
	op := f.enqueueUpdate("E1", unitRow("E1", equipment.StatusDeployed, "J1", "", 3), 2)
	require.Error(t, f.resolver.Check(context.Background(), op))

	require.NoError(t, f.resolver.Resolve(context.Background(), "E1", ChoiceLocal))
	assert.False(t, f.resolver.Blocked("E1"))

	// The queued op was rebased onto the store's marker and now
	// delivers over it.
	require.NoError(t, f.queue.Drain(context.Background()))
	row, ok, err := f.remote.Fetch(context.Background(), store.TableEquipment, "E1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "J1", row["job_id"], "local side won")
	assert.Equal(t, int64(6), row["version"], "delivered above the store's marker")
}

func TestResolveUnknownUnit(t *testing.T) {
	f := newResolverFixture(t)
	err := f.resolver.Resolve(context.Background(), "E1", ChoiceLocal)
	require.Error(t, err)
}

func TestResolveBadChoice(t *testing.T) {
	f := newResolverFixture(t)
	err := f.resolver.Resolve(context.Background(), "E1", Choice("coin flip"))
	require.Error(t, err)
}

func TestRecordsOrderedByDetection(t *testing.T) {
	f := newResolverFixture(t)
	clock := testTime
	f.resolver.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, id := range []string{"E2", "E1", "E3"} {
		f.remote.put(store.TableEquipment, unitRow(id, equipment.StatusDeployed, "J2", "", 5))
		op := f.enqueueUpdate(id, unitRow(id, equipment.StatusDeployed, "J1", "", 3), 2)
		require.Error(t, f.resolver.Check(context.Background(), op))
	}

	records := f.resolver.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "E2", records[0].UnitID)
	assert.Equal(t, "E1", records[1].UnitID)
	assert.Equal(t, "E3", records[2].UnitID)
}

func captureTopic(b *bus.Bus, topic string) *[]any {
	var (
		mu       sync.Mutex
		payloads []any
	)
	b.Subscribe(topic, func(_ string, payload any) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})
	return &payloads
}

// readRemoteHistory lists history rows held by the in-memory store.
func readRemoteHistory(m *memRows, equipmentID string) ([]store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Row
	for key, row := range m.rows {
		if len(key) > len(store.TableHistory) && key[:len(store.TableHistory)] == store.TableHistory {
			if row["equipment_id"] == equipmentID {
				out = append(out, row.Clone())
			}
		}
	}
	return out, nil
}
