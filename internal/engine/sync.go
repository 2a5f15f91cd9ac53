package engine

import (
	"context"

	"github.com/fieldops/rigtrack/internal/conflict"
	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
	"github.com/fieldops/rigtrack/internal/syncq"
)

// ObserveSync subscribes the engine to the sync queue's delivery and
// abandonment events, and to conflict resolutions, so optimistic state
// and the version clock converge with the store. The returned function
// unsubscribes.
func (e *Engine) ObserveSync() func() {
	unsubDelivered := e.bus.Subscribe(syncq.TopicOpDelivered, func(_ string, payload any) {
		if ev, ok := payload.(syncq.DeliveredEvent); ok {
			e.handleDelivered(ev)
		}
	})
	unsubAbandoned := e.bus.Subscribe(syncq.TopicOpAbandoned, func(_ string, payload any) {
		if ev, ok := payload.(syncq.AbandonedEvent); ok {
			e.handleAbandoned(ev)
		}
	})
	unsubResolved := e.bus.Subscribe(conflict.TopicResolved, func(_ string, payload any) {
		if rec, ok := payload.(*conflict.Record); ok {
			e.handleResolved(rec)
		}
	})
	return func() {
		unsubDelivered()
		unsubAbandoned()
		unsubResolved()
	}
}

// handleResolved keeps the version clock strictly ahead of rebased
// writes. A keep-local resolution restamps the unit's queued ops to one
// past the remote version; a clock left behind would mint a marker at
// or below that and the next mutation would read as stale.
func (e *Engine) handleResolved(rec *conflict.Record) {
	if rec.Choice != conflict.ChoiceLocal {
		return
	}
	e.clock.Observe(rec.Remote.Version + 1)
}

// handleDelivered confirms optimistic state once the last queued op for
// a unit lands.
func (e *Engine) handleDelivered(ev syncq.DeliveredEvent) {
	if ev.Op.TargetTable != store.TableEquipment || ev.Remaining > 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.allocations[ev.Op.TargetID]; ok && rec.Pending {
		rec.Pending = false
		e.logger.Info("allocation confirmed", "unit", rec.UnitID, "job", rec.JobID)
	}
}

// handleAbandoned reverts a unit's optimistic state to what the store
// holds after one of its queued ops was given up on.
func (e *Engine) handleAbandoned(ev syncq.AbandonedEvent) {
	if ev.Op.TargetTable != store.TableEquipment {
		return
	}
	unitID := ev.Op.TargetID

	row, ok, err := e.writer.Fetch(context.Background(), store.TableEquipment, unitID)
	if err != nil {
		e.logger.Error("revert fetch failed, optimistic state kept",
			"unit", unitID,
			"error", err,
		)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	optimistic, tracked := e.units[unitID]
	if !ok {
		// The abandoned op was the creation; the unit never existed.
		delete(e.units, unitID)
		delete(e.allocations, unitID)
		if tracked {
			e.logger.Warn("unit reverted out of existence",
				"unit", unitID,
				"code", optimistic.Code,
			)
		}
		return
	}

	confirmed, err := store.UnitFromRow(row)
	if err != nil {
		e.logger.Error("revert decode failed", "unit", unitID, "error", err)
		return
	}

	e.units[unitID] = confirmed
	if confirmed.Status != equipment.StatusDeployed {
		delete(e.allocations, unitID)
	} else if rec, exists := e.allocations[unitID]; exists {
		rec.JobID = confirmed.JobID
		rec.Pending = false
	}

	if tracked && optimistic.Status != confirmed.Status {
		e.logger.Warn("optimistic status reverted",
			"unit", unitID,
			"code", confirmed.Code,
			"from", optimistic.Status,
			"to", confirmed.Status,
		)
		e.bus.Publish(equipment.TopicStatusChanged, equipment.StatusChangedEvent{
			UnitID: unitID,
			Code:   confirmed.Code,
			From:   optimistic.Status,
			To:     confirmed.Status,
			JobID:  confirmed.JobID,
		})
	}
}
