package store

import (
	"context"
	"fmt"
	"time"
)

// HistoryEntry is one record in the append-only history log. The core
// only writes these; operator tooling reads them back for display.
type HistoryEntry struct {
	ID          string
	EquipmentID string
	Action      string
	FromStatus  string
	ToStatus    string
	JobID       string
	Notes       string
	CreatedAt   time.Time
}

// History actions recorded by the allocation core.
const (
	HistoryActionProvisioned = "provisioned"
	HistoryActionAllocated   = "allocated"
	HistoryActionReturned    = "returned"
	HistoryActionStatus      = "status-changed"
	HistoryActionRenamed     = "renamed"
	HistoryActionConflict    = "conflict-resolved"
)

// HistoryRow converts a history entry to its column payload.
func HistoryRow(e *HistoryEntry) Row {
	return Row{
		"id":           e.ID,
		"equipment_id": e.EquipmentID,
		"action":       e.Action,
		"from_status":  e.FromStatus,
		"to_status":    e.ToStatus,
		"job_id":       e.JobID,
		"notes":        e.Notes,
		"created_at":   e.CreatedAt.UTC().Format(timeFormat),
	}
}

// ReadHistory returns the history for one unit in append order. rowid
// is the insertion order; created_at alone cannot break ties between
// entries written in the same instant.
func (s *Store) ReadHistory(ctx context.Context, equipmentID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, equipment_id, action, from_status, to_status, job_id, notes, created_at
		FROM history
		WHERE equipment_id = ?
		ORDER BY rowid ASC
	`, equipmentID)
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", equipmentID, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EquipmentID, &e.Action, &e.FromStatus,
			&e.ToStatus, &e.JobID, &e.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("read history for %s: scan: %w", equipmentID, err)
		}
		ts, err := time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("read history for %s: bad created_at %q: %w", equipmentID, createdAt, err)
		}
		e.CreatedAt = ts
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history for %s: %w", equipmentID, err)
	}
	return entries, nil
}

// CountHistory returns the number of history entries for a unit.
// Used for testing idempotency (no duplicate entries on re-allocation).
func (s *Store) CountHistory(ctx context.Context, equipmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM history WHERE equipment_id = ?", equipmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history for %s: %w", equipmentID, err)
	}
	return n, nil
}
