package engine

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

// Catalog supplies the equipment-type and storage-location reference data
// the engine validates against. Implemented by catalog.Catalog.
type Catalog interface {
	HasType(id string) bool
	CodePrefix(typeID string) string
	HasLocation(id string) bool
	DefaultLocationID() string
}

// ConflictGate reports whether an equipment id is blocked by an
// unresolved conflict. Implemented by conflict.Resolver. A nil gate
// blocks nothing.
type ConflictGate interface {
	Blocked(unitID string) bool
}

// Enqueuer accepts mutations that could not be applied synchronously.
// Implemented by syncq.Queue. With a nil Enqueuer connectivity failures
// surface directly instead of queueing.
type Enqueuer interface {
	Enqueue(ctx context.Context, ops ...*store.QueuedOp) error
}

// AllocationRecord binds one equipment unit to a job for the duration of
// its deployment. At most one record exists per unit; the engine owns the
// records and destroys them on deallocation.
type AllocationRecord struct {
	ID     string
	UnitID string
	JobID  string

	// NodeID optionally ties the allocation to a diagram node inside
	// the job.
	NodeID string

	// HomeLocationID is the storage location the unit held before
	// allocation; deallocation restores it.
	HomeLocationID string

	AllocatedAt time.Time

	// Pending is true while the backing write sits in the sync queue.
	Pending bool
}

func (r *AllocationRecord) clone() *AllocationRecord {
	c := *r
	return &c
}

// Engine is the allocation engine. See the package documentation for the
// ownership and concurrency model.
type Engine struct {
	store   *store.Store
	writer  *store.Writer
	bus     *bus.Bus
	catalog Catalog
	gate    ConflictGate
	queue   Enqueuer
	clock   *Clock
	locks   *lockMap
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	units       map[string]*equipment.Unit
	allocations map[string]*AllocationRecord
}

// Option configures an Engine.
type Option func(*Engine)

// WithConflictGate installs the conflict resolver's mutation gate.
func WithConflictGate(g ConflictGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithQueue installs the sync queue used for offline mutations.
func WithQueue(q Enqueuer) Option {
	return func(e *Engine) { e.queue = q }
}

// WithNow overrides the wall clock. Used for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. Call Load before use to populate the in-memory
// mirror and resume the version clock.
func New(s *store.Store, w *store.Writer, b *bus.Bus, cat Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		writer:      w,
		bus:         b,
		catalog:     cat,
		clock:       NewClock(),
		locks:       newLockMap(),
		logger:      slog.Default(),
		now:         time.Now,
		units:       make(map[string]*equipment.Unit),
		allocations: make(map[string]*AllocationRecord),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load populates the in-memory mirror from the store and resumes the
// version clock from the highest confirmed marker.
func (e *Engine) Load(ctx context.Context) error {
	units, err := e.store.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}
	max, err := e.store.MaxUnitVersion(ctx)
	if err != nil {
		return fmt.Errorf("load version clock: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.units = make(map[string]*equipment.Unit, len(units))
	for _, u := range units {
		e.units[u.ID] = u
	}
	e.clock = NewClockAt(max)

	e.logger.Info("engine loaded",
		"units", len(units),
		"version", max,
	)
	return nil
}

// Clock returns the engine's version clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Unit returns a read-only clone of the unit, or ok=false.
func (e *Engine) Unit(id string) (*equipment.Unit, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.units[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// Units returns clones of every tracked unit, ordered by code.
func (e *Engine) Units() []*equipment.Unit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*equipment.Unit, 0, len(e.units))
	for _, u := range e.units {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Allocation returns a copy of the unit's allocation record, or ok=false.
func (e *Engine) Allocation(unitID string) (*AllocationRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.allocations[unitID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// ProvisionRequest describes a new equipment unit.
type ProvisionRequest struct {
	TypeID     string
	Code       string // generated from the type's code prefix when empty
	LocationID string // defaults to the designated default storage location
	Notes      string
}

// Provision creates an equipment unit with status available and appends
// its first history entry. On connectivity failure the creation is
// queued and the returned unit is optimistic.
func (e *Engine) Provision(ctx context.Context, req ProvisionRequest) (*equipment.Unit, error) {
	if !e.catalog.HasType(req.TypeID) {
		return nil, &equipment.Error{
			Code:    equipment.CodeValidationFailed,
			Message: fmt.Sprintf("unknown equipment type %q", req.TypeID),
		}
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = e.catalog.DefaultLocationID()
	}
	if !e.catalog.HasLocation(locationID) {
		return nil, &equipment.Error{
			Code:    equipment.CodeValidationFailed,
			Message: fmt.Sprintf("unknown storage location %q", locationID),
		}
	}

	e.mu.Lock()
	code := req.Code
	if code == "" {
		code = e.nextCodeLocked(req.TypeID)
	}
	e.mu.Unlock()

	u := &equipment.Unit{
		ID:         uuid.NewString(),
		Code:       code,
		TypeID:     req.TypeID,
		Status:     equipment.StatusAvailable,
		LocationID: locationID,
		Notes:      req.Notes,
		Version:    e.clock.Next(),
		UpdatedAt:  e.now().UTC(),
	}

	ops := []store.Op{
		{Table: store.TableEquipment, Kind: store.OpCreate, ID: u.ID, Payload: store.EquipmentRow(u)},
		e.historyOp(&store.HistoryEntry{
			EquipmentID: u.ID,
			Action:      store.HistoryActionProvisioned,
			ToStatus:    string(u.Status),
			Notes:       req.Notes,
		}),
	}

	pending, err := e.persist(ctx, u.ID, 0, ops)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.units[u.ID] = u
	e.mu.Unlock()

	e.logger.Info("unit provisioned",
		"unit", u.ID,
		"code", u.Code,
		"type", u.TypeID,
		"pending", pending,
	)
	e.bus.Publish(equipment.TopicProvisioned, u.Clone())
	return u.Clone(), nil
}

// Rename changes a unit's human-facing equipment code. Renames do not
// touch the status triple and therefore bypass the per-id lock's
// status discipline, but still serialize on the unit.
func (e *Engine) Rename(ctx context.Context, unitID, newCode string) error {
	if newCode == "" {
		return &equipment.Error{
			Code:    equipment.CodeValidationFailed,
			Message: "equipment code must not be empty",
			UnitID:  unitID,
		}
	}

	release := e.locks.Acquire(unitID)
	defer release()

	u, err := e.unitForMutation(unitID)
	if err != nil {
		return err
	}
	if u.Code == newCode {
		return nil
	}

	clone := u.Clone()
	oldCode := clone.Code
	clone.Code = newCode
	clone.Version = e.clock.Next()
	clone.UpdatedAt = e.now().UTC()

	ops := []store.Op{
		{Table: store.TableEquipment, Kind: store.OpUpdate, ID: clone.ID, Payload: store.EquipmentRow(clone)},
		e.historyOp(&store.HistoryEntry{
			EquipmentID: clone.ID,
			Action:      store.HistoryActionRenamed,
			Notes:       fmt.Sprintf("%s -> %s", oldCode, newCode),
		}),
	}
	if _, err := e.persist(ctx, clone.ID, u.Version, ops); err != nil {
		return err
	}

	e.mu.Lock()
	e.units[clone.ID] = clone
	e.mu.Unlock()
	return nil
}

// nextCodeLocked generates the next code for a type: prefix-NNNN.
// Caller holds e.mu.
func (e *Engine) nextCodeLocked(typeID string) string {
	prefix := e.catalog.CodePrefix(typeID)
	if prefix == "" {
		prefix = "EQ"
	}
	n := 0
	for _, u := range e.units {
		if u.TypeID == typeID {
			n++
		}
	}
	for {
		n++
		code := fmt.Sprintf("%s-%04d", prefix, n)
		taken := false
		for _, u := range e.units {
			if u.Code == code {
				taken = true
				break
			}
		}
		if !taken {
			return code
		}
	}
}

// unitForMutation returns the engine-owned unit after the conflict gate
// check. Callers hold the per-id lock and must not mutate the returned
// struct directly; they apply changes to a clone and commit it.
func (e *Engine) unitForMutation(unitID string) (*equipment.Unit, error) {
	if e.gate != nil && e.gate.Blocked(unitID) {
		return nil, equipment.NewConflicted(unitID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.units[unitID]
	if !ok {
		return nil, equipment.NewNotFound(unitID)
	}
	return u, nil
}

// historyOp wraps a history entry as a create operation, filling id and
// timestamp.
func (e *Engine) historyOp(entry *store.HistoryEntry) store.Op {
	entry.ID = uuid.NewString()
	entry.CreatedAt = e.now().UTC()
	return store.Op{
		Table:   store.TableHistory,
		Kind:    store.OpCreate,
		ID:      entry.ID,
		Payload: store.HistoryRow(entry),
	}
}

// persist applies ops through the transactional writer. Connectivity
// failures route every op to the sync queue and report pending=true;
// logical failures surface unchanged. baseVersion is the version marker
// the mutation was issued against, recorded for conflict detection.
func (e *Engine) persist(ctx context.Context, unitID string, baseVersion int64, ops []store.Op) (pending bool, err error) {
	err = e.writer.Apply(ctx, ops)
	if err == nil {
		return false, nil
	}
	if !store.IsUnavailable(err) {
		return false, fmt.Errorf("persist unit %s: %w", unitID, err)
	}
	if e.queue == nil {
		return false, equipment.NewPersistenceUnavailable(unitID, err)
	}

	e.logger.Warn("store unreachable, queueing mutation",
		"unit", unitID,
		"ops", len(ops),
		"error", err,
	)
	// The whole mutation is handed over in one call so a failed handoff
	// never leaves a partial group in the queue.
	queued := make([]*store.QueuedOp, 0, len(ops))
	for _, op := range ops {
		qop := &store.QueuedOp{
			ID:          uuid.NewString(),
			TargetTable: op.Table,
			Kind:        op.Kind,
			TargetID:    op.ID,
			Payload:     op.Payload,
			EnqueuedAt:  e.now().UTC(),
		}
		if op.Table == store.TableEquipment {
			qop.BaseVersion = baseVersion
		}
		queued = append(queued, qop)
	}
	if qErr := e.queue.Enqueue(ctx, queued...); qErr != nil {
		return false, fmt.Errorf("enqueue %d ops for unit %s: %w", len(ops), unitID, qErr)
	}
	return true, nil
}
