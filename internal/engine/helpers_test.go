package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/rigtrack/internal/bus"
	"github.com/fieldops/rigtrack/internal/store"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubCatalog is a fixed reference catalog for engine tests.
type stubCatalog struct{}

func (stubCatalog) HasType(id string) bool {
	return id == "pump" || id == "generator"
}

func (stubCatalog) CodePrefix(typeID string) string {
	switch typeID {
	case "pump":
		return "PMP"
	case "generator":
		return "GEN"
	}
	return ""
}

func (stubCatalog) HasLocation(id string) bool {
	return id == "yard" || id == "north_shop"
}

func (stubCatalog) DefaultLocationID() string { return "yard" }

// offlineStore wraps a real store and fails writes while offline is
// set. Reads always pass through.
type offlineStore struct {
	*store.Store
	mu      sync.Mutex
	offline bool
}

func (o *offlineStore) setOffline(v bool) {
	o.mu.Lock()
	o.offline = v
	o.mu.Unlock()
}

func (o *offlineStore) isOffline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offline
}

func (o *offlineStore) Execute(ctx context.Context, op store.Op) error {
	if o.isOffline() {
		return store.ErrUnavailable
	}
	return o.Store.Execute(ctx, op)
}

func (o *offlineStore) Batch(ctx context.Context, ops []store.Op) error {
	if o.isOffline() {
		return store.ErrUnavailable
	}
	return o.Store.Batch(ctx, ops)
}

// memQueue collects enqueued ops in memory. A non-nil fail makes the
// whole handoff fail, matching the all-or-nothing durable queue.
type memQueue struct {
	mu   sync.Mutex
	ops  []*store.QueuedOp
	fail error
}

func (q *memQueue) Enqueue(_ context.Context, ops ...*store.QueuedOp) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.ops = append(q.ops, ops...)
	return nil
}

func (q *memQueue) setFail(err error) {
	q.mu.Lock()
	q.fail = err
	q.mu.Unlock()
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// blockList is a static conflict gate.
type blockList map[string]bool

func (b blockList) Blocked(unitID string) bool { return b[unitID] }

type fixture struct {
	t       *testing.T
	store   *store.Store
	rows    *offlineStore
	bus     *bus.Bus
	engine  *Engine
	queue   *memQueue
	gate    blockList
	catalog stubCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()

	s, err := store.Open(filepath.Join(t.TempDir(), "rigtrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		t:     t,
		store: s,
		rows:  &offlineStore{Store: s},
		bus:   bus.New(logger),
		queue: &memQueue{},
		gate:  blockList{},
	}

	w := store.NewWriter(f.rows, logger)
	f.engine = New(s, w, f.bus, f.catalog,
		WithLogger(logger),
		WithNow(func() time.Time { return testTime }),
		WithQueue(f.queue),
		WithConflictGate(f.gate),
	)
	require.NoError(t, f.engine.Load(context.Background()))
	return f
}

// capture subscribes to a topic and returns the growing payload slice.
func (f *fixture) capture(topic string) *[]any {
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

func (f *fixture) provision(typeID string) string {
	f.t.Helper()
	u, err := f.engine.Provision(context.Background(), ProvisionRequest{TypeID: typeID})
	require.NoError(f.t, err)
	return u.ID
}

func (f *fixture) historyActions(unitID string) []string {
	f.t.Helper()
	entries, err := f.store.ReadHistory(context.Background(), unitID)
	require.NoError(f.t, err)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}
