package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
)

// Allocate binds an available unit to a job, driving the state machine
// available -> deployed and persisting the equipment row, the job's
// assignment list, and a history entry as one transactional write.
//
// Allocating a unit already deployed to the same job is idempotent and
// returns the existing record; a different job fails with
// ALREADY_ALLOCATED and leaves the original allocation untouched.
func (e *Engine) Allocate(ctx context.Context, unitID, jobID, nodeID string) (*AllocationRecord, error) {
	if jobID == "" {
		return nil, &equipment.Error{
			Code:    equipment.CodeValidationFailed,
			Message: "allocation requires a job id",
			UnitID:  unitID,
		}
	}

	release := e.locks.Acquire(unitID)
	defer release()

	u, err := e.unitForMutation(unitID)
	if err != nil {
		return nil, err
	}

	if u.Status == equipment.StatusDeployed {
		if u.JobID == jobID {
			return e.existingAllocation(u, jobID, nodeID), nil
		}
		return nil, equipment.NewAlreadyAllocated(unitID, u.JobID)
	}

	e.bus.Publish(equipment.TopicAllocationRequested, equipment.AllocationRequestedEvent{
		UnitID: unitID,
		JobID:  jobID,
		NodeID: nodeID,
	})

	clone := u.Clone()
	home := clone.LocationID
	change, err := equipment.Apply(clone, equipment.Transition{
		To:    equipment.StatusDeployed,
		JobID: jobID,
	})
	if err != nil {
		return nil, err
	}
	clone.Version = e.clock.Next()
	clone.UpdatedAt = e.now().UTC()

	ops := []store.Op{
		{Table: store.TableEquipment, Kind: store.OpUpdate, ID: clone.ID, Payload: store.EquipmentRow(clone)},
	}
	ops = append(ops, e.jobOps(ctx, jobID, unitID, true)...)
	ops = append(ops, e.historyOp(&store.HistoryEntry{
		EquipmentID: clone.ID,
		Action:      store.HistoryActionAllocated,
		FromStatus:  string(change.From),
		ToStatus:    string(change.To),
		JobID:       jobID,
	}))

	pending, err := e.persist(ctx, unitID, u.Version, ops)
	if err != nil {
		return nil, err
	}

	record := &AllocationRecord{
		ID:             uuid.NewString(),
		UnitID:         unitID,
		JobID:          jobID,
		NodeID:         nodeID,
		HomeLocationID: home,
		AllocatedAt:    clone.UpdatedAt,
		Pending:        pending,
	}

	e.mu.Lock()
	e.units[unitID] = clone
	e.allocations[unitID] = record
	e.mu.Unlock()

	e.logger.Info("unit allocated",
		"unit", unitID,
		"code", clone.Code,
		"job", jobID,
		"pending", pending,
	)
	e.publishStatusChange(change, pending)
	return record.clone(), nil
}

// Deallocate releases a unit from a job back to storage, restoring the
// location recorded at allocation time (or the designated default when
// none was recorded).
func (e *Engine) Deallocate(ctx context.Context, unitID, jobID string) error {
	release := e.locks.Acquire(unitID)
	defer release()

	u, err := e.unitForMutation(unitID)
	if err != nil {
		return err
	}
	if u.Status != equipment.StatusDeployed || u.JobID != jobID {
		return equipment.NewNotAllocatedToJob(unitID, jobID)
	}

	home := e.catalog.DefaultLocationID()
	e.mu.RLock()
	if rec, ok := e.allocations[unitID]; ok && rec.HomeLocationID != "" {
		home = rec.HomeLocationID
	}
	e.mu.RUnlock()

	clone := u.Clone()
	change, err := equipment.Apply(clone, equipment.Transition{
		To:         equipment.StatusAvailable,
		LocationID: home,
	})
	if err != nil {
		return err
	}
	clone.Version = e.clock.Next()
	clone.UpdatedAt = e.now().UTC()

	ops := []store.Op{
		{Table: store.TableEquipment, Kind: store.OpUpdate, ID: clone.ID, Payload: store.EquipmentRow(clone)},
	}
	ops = append(ops, e.jobOps(ctx, jobID, unitID, false)...)
	ops = append(ops, e.historyOp(&store.HistoryEntry{
		EquipmentID: clone.ID,
		Action:      store.HistoryActionReturned,
		FromStatus:  string(change.From),
		ToStatus:    string(change.To),
		JobID:       jobID,
	}))

	pending, err := e.persist(ctx, unitID, u.Version, ops)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.units[unitID] = clone
	delete(e.allocations, unitID)
	e.mu.Unlock()

	e.logger.Info("unit returned",
		"unit", unitID,
		"code", clone.Code,
		"job", jobID,
		"pending", pending,
	)
	e.publishStatusChange(change, pending)
	return nil
}

// StatusChangeOptions carries the optional fields of an administrative
// transition.
type StatusChangeOptions struct {
	// Reason is required when transitioning to red-tagged.
	Reason string
	// LocationID overrides the storage location restored by the
	// transition. Defaults to the recorded home location, then to the
	// designated default storage location.
	LocationID string
	// Notes is free text for the history entry.
	Notes string
}

// SetStatus performs an administrative transition. A deployed unit moving
// to maintenance/red-tagged/retired is handled as the combined operation:
// the implicit return and the administrative transition commit atomically
// and observers see a single status change.
func (e *Engine) SetStatus(ctx context.Context, unitID string, to equipment.Status, opts StatusChangeOptions) error {
	release := e.locks.Acquire(unitID)
	defer release()

	u, err := e.unitForMutation(unitID)
	if err != nil {
		return err
	}

	location := opts.LocationID
	if location == "" && u.Status == equipment.StatusDeployed {
		location = e.catalog.DefaultLocationID()
		e.mu.RLock()
		if rec, ok := e.allocations[unitID]; ok && rec.HomeLocationID != "" {
			location = rec.HomeLocationID
		}
		e.mu.RUnlock()
	}

	clone := u.Clone()
	releasedJob := clone.JobID
	change, err := equipment.Apply(clone, equipment.Transition{
		To:         to,
		LocationID: location,
		Reason:     opts.Reason,
		Notes:      opts.Notes,
	})
	if err != nil {
		return err
	}
	clone.Version = e.clock.Next()
	clone.UpdatedAt = e.now().UTC()

	ops := []store.Op{
		{Table: store.TableEquipment, Kind: store.OpUpdate, ID: clone.ID, Payload: store.EquipmentRow(clone)},
	}
	if change.From == equipment.StatusDeployed && releasedJob != "" {
		ops = append(ops, e.jobOps(ctx, releasedJob, unitID, false)...)
	}
	ops = append(ops, e.historyOp(&store.HistoryEntry{
		EquipmentID: clone.ID,
		Action:      store.HistoryActionStatus,
		FromStatus:  string(change.From),
		ToStatus:    string(change.To),
		JobID:       change.JobID,
		Notes:       opts.Notes,
	}))

	pending, err := e.persist(ctx, unitID, u.Version, ops)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.units[unitID] = clone
	if change.From == equipment.StatusDeployed {
		delete(e.allocations, unitID)
	}
	e.mu.Unlock()

	e.logger.Info("unit status changed",
		"unit", unitID,
		"code", clone.Code,
		"from", change.From,
		"to", change.To,
		"pending", pending,
	)
	e.publishStatusChange(change, pending)
	return nil
}

// BatchItem names one allocation in a batch.
type BatchItem struct {
	UnitID string
	JobID  string
	NodeID string
}

// BatchResult reports the outcome for one batch item.
type BatchResult struct {
	UnitID string
	JobID  string
	Record *AllocationRecord
	Err    error
}

// BatchAllocate applies allocations as a best-effort batch: each item is
// attempted independently and the result reports per-item outcomes. One
// stale row must not block the rest of a large inventory.
func (e *Engine) BatchAllocate(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, 0, len(items))
	for _, item := range items {
		rec, err := e.Allocate(ctx, item.UnitID, item.JobID, item.NodeID)
		results = append(results, BatchResult{
			UnitID: item.UnitID,
			JobID:  item.JobID,
			Record: rec,
			Err:    err,
		})
	}
	return results
}

// ReturnAllForJob deallocates every unit currently bound to jobID. Zero
// matching units is a no-op, not an error; per-unit failures are
// reported individually.
func (e *Engine) ReturnAllForJob(ctx context.Context, jobID string) []BatchResult {
	e.mu.RLock()
	var unitIDs []string
	for id, u := range e.units {
		if u.Status == equipment.StatusDeployed && u.JobID == jobID {
			unitIDs = append(unitIDs, id)
		}
	}
	e.mu.RUnlock()

	// Stable order for deterministic event sequences.
	sortByCode(unitIDs, e)

	results := make([]BatchResult, 0, len(unitIDs))
	for _, unitID := range unitIDs {
		err := e.Deallocate(ctx, unitID, jobID)
		results = append(results, BatchResult{UnitID: unitID, JobID: jobID, Err: err})
	}
	return results
}

// existingAllocation returns (and, after a restart, reconstructs) the
// record for an idempotent re-allocation. No write, no event, no history.
func (e *Engine) existingAllocation(u *equipment.Unit, jobID, nodeID string) *AllocationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.allocations[u.ID]; ok {
		return rec.clone()
	}
	rec := &AllocationRecord{
		ID:             uuid.NewString(),
		UnitID:         u.ID,
		JobID:          jobID,
		NodeID:         nodeID,
		HomeLocationID: e.catalog.DefaultLocationID(),
		AllocatedAt:    u.UpdatedAt,
	}
	e.allocations[u.ID] = rec
	return rec.clone()
}

// jobOps builds the job-row operation keeping the embedded assignment
// list consistent with the unit's job binding. When the job row cannot
// be read because the store is unreachable, the job op is skipped; the
// list reconciles on the next confirmed write for that job.
func (e *Engine) jobOps(ctx context.Context, jobID, unitID string, add bool) []store.Op {
	job, ok, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Warn("job row unreadable, skipping assignment-list update",
			"job", jobID,
			"unit", unitID,
			"error", err,
		)
		return nil
	}

	if !ok {
		if !add {
			return nil
		}
		job = &store.Job{ID: jobID, EquipmentIDs: []string{unitID}, UpdatedAt: e.now().UTC()}
		row, err := store.JobRow(job)
		if err != nil {
			e.logger.Error("encode job row", "job", jobID, "error", err)
			return nil
		}
		return []store.Op{{Table: store.TableJobs, Kind: store.OpCreate, ID: jobID, Payload: row}}
	}

	if add {
		job.EquipmentIDs = job.WithUnit(unitID)
	} else {
		job.EquipmentIDs = job.WithoutUnit(unitID)
	}
	job.UpdatedAt = e.now().UTC()
	row, err := store.JobRow(job)
	if err != nil {
		e.logger.Error("encode job row", "job", jobID, "error", err)
		return nil
	}
	return []store.Op{{Table: store.TableJobs, Kind: store.OpUpdate, ID: jobID, Payload: row}}
}

func (e *Engine) publishStatusChange(change equipment.Change, pending bool) {
	e.bus.Publish(equipment.TopicStatusChanged, equipment.StatusChangedEvent{
		UnitID:  change.UnitID,
		Code:    change.Code,
		From:    change.From,
		To:      change.To,
		JobID:   change.JobID,
		Pending: pending,
	})
}

func sortByCode(ids []string, e *Engine) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	codes := make(map[string]string, len(ids))
	for _, id := range ids {
		if u, ok := e.units[id]; ok {
			codes[id] = u.Code
		}
	}
	sort.Slice(ids, func(i, j int) bool { return codes[ids[i]] < codes[ids[j]] })
}
