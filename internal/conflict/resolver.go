package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/rigtrack/internal/bus"
	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
)

// Bus topics published by the resolver.
const (
	TopicDetected = "conflict.detected"
	TopicResolved = "conflict.resolved"
)

// Choice names the winning side of a resolution.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// Valid reports whether c is a known choice.
func (c Choice) Valid() bool {
	return c == ChoiceLocal || c == ChoiceRemote
}

// Record is one detected divergence. Local is the state the queued op
// would produce; Remote is what the row store held at detection time.
type Record struct {
	ID       string
	UnitID   string
	Local    equipment.Snapshot
	Remote   equipment.Snapshot
	LocalFP  string
	RemoteFP string

	DetectedAt time.Time
	ResolvedAt time.Time
	Choice     Choice
}

func (r *Record) resolved() bool { return r.Choice != "" }

func (r *Record) clone() *Record {
	c := *r
	return &c
}

// QueueControl is the slice of the sync queue the resolver drives during
// resolution. Implemented by syncq.Queue.
type QueueControl interface {
	Abandon(ctx context.Context, opID string) error
	Pending(ctx context.Context) ([]store.QueuedOp, error)
}

// Resolver detects conflicts as the sync queue's preflight and holds the
// mutation gate for affected units.
type Resolver struct {
	local  *store.Store
	writer *store.Writer
	queue  QueueControl
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]*Record // by unit id, unresolved only
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithNow overrides the wall clock. Used for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver. local holds the queue rows, writer fronts the
// authoritative row store, queue is consulted during resolution.
func New(local *store.Store, w *store.Writer, q QueueControl, b *bus.Bus, opts ...Option) *Resolver {
	r := &Resolver{
		local:   local,
		writer:  w,
		queue:   q,
		bus:     b,
		logger:  slog.Default(),
		now:     time.Now,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Blocked reports whether the unit has an unresolved conflict. Satisfies
// the engine's mutation gate.
func (r *Resolver) Blocked(unitID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[unitID]
	return ok
}

// Record returns the unresolved conflict for a unit, or ok=false.
func (r *Resolver) Record(unitID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[unitID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Records returns all unresolved conflicts ordered by detection time.
func (r *Resolver) Records() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Check is the sync queue's preflight for equipment ops. It compares the
// op's base version marker with the store's current marker; a moved
// marker with a diverging state opens (or re-reports) a conflict and
// holds delivery. A moved marker with identical state is benign and the
// op is rebased in memory so delivery proceeds.
func (r *Resolver) Check(ctx context.Context, op *store.QueuedOp) error {
	if op.TargetTable != store.TableEquipment {
		return nil
	}

	// A unit already in conflict stays held until resolved.
	if r.Blocked(op.TargetID) {
		return equipment.NewConflicted(op.TargetID)
	}

	row, ok, err := r.writer.Fetch(ctx, store.TableEquipment, op.TargetID)
	if err != nil {
		return fmt.Errorf("conflict check for %s: %w", op.TargetID, err)
	}
	if !ok {
		// Row absent: creations deliver freely; anything else raced a
		// remote delete and is a conflict against an empty remote.
		if op.Kind == store.OpCreate {
			return nil
		}
		local, err := snapshotFromPayload(op)
		if err != nil {
			return err
		}
		return r.open(op.TargetID, local, equipment.Snapshot{UnitID: op.TargetID})
	}

	remoteUnit, err := store.UnitFromRow(row)
	if err != nil {
		return fmt.Errorf("conflict check for %s: %w", op.TargetID, err)
	}
	remote := remoteUnit.Snapshot()
	if remote.Version == op.BaseVersion {
		return nil
	}

	local, err := snapshotFromPayload(op)
	if err != nil {
		return err
	}
	if !local.Diverges(remote) {
		// Marker moved but the state agrees. Nothing to arbitrate.
		return nil
	}
	return r.open(op.TargetID, local, remote)
}

// Resolve settles the unit's conflict in favor of one side and lifts the
// mutation gate.
func (r *Resolver) Resolve(ctx context.Context, unitID string, choice Choice) error {
	if !choice.Valid() {
		return fmt.Errorf("resolve %s: unknown choice %q", unitID, choice)
	}

	r.mu.Lock()
	rec, ok := r.records[unitID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("resolve %s: no unresolved conflict", unitID)
	}
	delete(r.records, unitID)
	r.mu.Unlock()

	var err error
	switch choice {
	case ChoiceLocal:
		err = r.keepLocal(ctx, rec)
	case ChoiceRemote:
		err = r.keepRemote(ctx, rec)
	}
	if err != nil {
		// Resolution did not stick; restore the gate.
		r.mu.Lock()
		r.records[unitID] = rec
		r.mu.Unlock()
		return err
	}

	rec.Choice = choice
	rec.ResolvedAt = r.now().UTC()
	r.appendHistory(ctx, rec)
	r.logger.Info("conflict resolved",
		"unit", unitID,
		"choice", choice,
	)
	r.bus.Publish(TopicResolved, rec.clone())
	return nil
}

// keepLocal rebases the queued ops for the unit onto the store's current
// marker so the next drain delivers the local state over it.
func (r *Resolver) keepLocal(ctx context.Context, rec *Record) error {
	return r.local.RebaseQueuedOps(ctx, rec.UnitID, rec.Remote.Version, rec.Remote.Version+1)
}

// keepRemote abandons the queued ops for the unit; the engine observes
// the abandonment and reverts its optimistic state to the store's.
func (r *Resolver) keepRemote(ctx context.Context, rec *Record) error {
	pending, err := r.queue.Pending(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		op := pending[i]
		if op.TargetTable != store.TableEquipment || op.TargetID != rec.UnitID {
			continue
		}
		// Abandon cascades to successors for the same row.
		return r.queue.Abandon(ctx, op.ID)
	}
	return nil
}

// open registers a conflict record and blocks the unit. Re-detection of
// the same divergence is folded into the existing record.
func (r *Resolver) open(unitID string, local, remote equipment.Snapshot) error {
	rec := &Record{
		ID:         uuid.NewString(),
		UnitID:     unitID,
		Local:      local,
		Remote:     remote,
		LocalFP:    Fingerprint(local),
		RemoteFP:   Fingerprint(remote),
		DetectedAt: r.now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.records[unitID]; exists {
		r.mu.Unlock()
		return equipment.NewConflicted(unitID)
	}
	r.records[unitID] = rec
	r.mu.Unlock()

	r.logger.Warn("conflict detected",
		"unit", unitID,
		"local_status", local.Status,
		"local_job", local.JobID,
		"remote_status", remote.Status,
		"remote_job", remote.JobID,
	)
	r.bus.Publish(TopicDetected, rec.clone())
	return equipment.NewConflicted(unitID)
}

// appendHistory records the resolution in the unit's history. Failure is
// logged, not surfaced; the resolution itself already committed.
func (r *Resolver) appendHistory(ctx context.Context, rec *Record) {
	entry := &store.HistoryEntry{
		ID:          uuid.NewString(),
		EquipmentID: rec.UnitID,
		Action:      store.HistoryActionConflict,
		FromStatus:  string(rec.Local.Status),
		ToStatus:    string(rec.Remote.Status),
		Notes:       fmt.Sprintf("kept %s", rec.Choice),
		CreatedAt:   rec.ResolvedAt,
	}
	op := store.Op{
		Table:   store.TableHistory,
		Kind:    store.OpCreate,
		ID:      entry.ID,
		Payload: store.HistoryRow(entry),
	}
	if err := r.writer.Apply(ctx, []store.Op{op}); err != nil {
		r.logger.Error("record resolution history", "unit", rec.UnitID, "error", err)
	}
}

// snapshotFromPayload reconstructs the local-side snapshot from a queued
// equipment payload.
func snapshotFromPayload(op *store.QueuedOp) (equipment.Snapshot, error) {
	u, err := store.UnitFromRow(op.Payload)
	if err != nil {
		return equipment.Snapshot{}, fmt.Errorf("queued op %s: %w", op.ID, err)
	}
	return u.Snapshot(), nil
}
