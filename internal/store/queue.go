package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Queue operation states.
const (
	QueueStatePending   = "pending"
	QueueStateAbandoned = "abandoned"
)

// QueuedOp is a pending mutation awaiting durable application. Rows
// survive process restarts; position preserves enqueue order.
type QueuedOp struct {
	Position    int64
	ID          string
	TargetTable string
	Kind        OpKind
	TargetID    string
	Payload     Row

	// BaseVersion is the equipment version marker the local mutation was
	// issued against; the conflict resolver compares it with the remote
	// marker before the operation is retried.
	BaseVersion int64

	EnqueuedAt time.Time
	Attempts   int
	State      string
}

// Op converts the queued record back into the row operation it carries.
func (q *QueuedOp) Op() Op {
	return Op{
		Table:   q.TargetTable,
		Kind:    q.Kind,
		ID:      q.TargetID,
		Payload: q.Payload,
	}
}

// InsertQueuedOp appends an operation to the durable queue.
func (s *Store) InsertQueuedOp(ctx context.Context, q *QueuedOp) error {
	return insertQueuedOp(ctx, s.db, q)
}

// InsertQueuedOps appends a group of operations in one transaction.
// Either the whole group lands in the queue or none of it does; a
// partially queued group is never observable.
func (s *Store) InsertQueuedOps(ctx context.Context, ops []*QueuedOp) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert queued ops: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, q := range ops {
		if err := insertQueuedOp(ctx, tx, q); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert queued ops: commit: %w", err)
	}
	return nil
}

func insertQueuedOp(ctx context.Context, db execer, q *QueuedOp) error {
	payload := q.Payload
	if payload == nil {
		payload = Row{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("insert queued op %s: encode payload: %w", q.ID, err)
	}

	state := q.State
	if state == "" {
		state = QueueStatePending
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_queue
		(id, target_table, op_kind, target_id, payload, base_version, enqueued_at, attempts, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		q.ID,
		q.TargetTable,
		string(q.Kind),
		q.TargetID,
		string(encoded),
		q.BaseVersion,
		q.EnqueuedAt.UTC().Format(timeFormat),
		q.Attempts,
		state,
	)
	if err != nil {
		return fmt.Errorf("insert queued op %s: %w", q.ID, err)
	}
	return nil
}

// DeleteQueuedOp removes a delivered or abandoned operation.
func (s *Store) DeleteQueuedOp(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete queued op %s: %w", id, err)
	}
	return nil
}

// BumpQueuedAttempts increments the persisted retry counter and returns
// the new count.
func (s *Store) BumpQueuedAttempts(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET attempts = attempts + 1 WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("bump attempts for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bump attempts for %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("bump attempts for %s: operation not found", id)
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		"SELECT attempts FROM sync_queue WHERE id = ?", id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("bump attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// MarkQueuedAbandoned flips an operation to the abandoned state. The row
// is kept so the operator-visible warning survives restarts.
func (s *Store) MarkQueuedAbandoned(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET state = ? WHERE id = ?", QueueStateAbandoned, id)
	if err != nil {
		return fmt.Errorf("abandon queued op %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("abandon queued op %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("abandon queued op %s: operation not found", id)
	}
	return nil
}

// RebaseQueuedOps rewinds the pending equipment ops for a target onto a
// new base: base_version becomes baseVersion, the payload version column
// becomes newVersion. Used when a conflict is resolved in favor of the
// queued local state.
func (s *Store) RebaseQueuedOps(ctx context.Context, targetID string, baseVersion, newVersion int64) error {
	ops, err := s.ListQueuedOps(ctx, QueueStatePending)
	if err != nil {
		return fmt.Errorf("rebase queued ops for %s: %w", targetID, err)
	}
	for i := range ops {
		op := ops[i]
		if op.TargetTable != TableEquipment || op.TargetID != targetID {
			continue
		}
		op.Payload["version"] = newVersion
		encoded, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("rebase queued op %s: encode payload: %w", op.ID, err)
		}
		_, err = s.db.ExecContext(ctx,
			"UPDATE sync_queue SET base_version = ?, payload = ? WHERE id = ?",
			baseVersion, string(encoded), op.ID)
		if err != nil {
			return fmt.Errorf("rebase queued op %s: %w", op.ID, err)
		}
	}
	return nil
}

// GetQueuedOp returns a single queued operation by id.
func (s *Store) GetQueuedOp(ctx context.Context, id string) (*QueuedOp, bool, error) {
	q, err := s.scanQueuedOp(s.db.QueryRowContext(ctx, `
		SELECT position, id, target_table, op_kind, target_id, payload,
		       base_version, enqueued_at, attempts, state
		FROM sync_queue WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get queued op %s: %w", id, err)
	}
	return q, true, nil
}

// ListQueuedOps returns queued operations in enqueue order, optionally
// filtered by state ("" for all).
func (s *Store) ListQueuedOps(ctx context.Context, state string) ([]QueuedOp, error) {
	query := `
		SELECT position, id, target_table, op_kind, target_id, payload,
		       base_version, enqueued_at, attempts, state
		FROM sync_queue
	`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY position ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued ops: %w", err)
	}
	defer rows.Close()

	var ops []QueuedOp
	for rows.Next() {
		q, err := s.scanQueuedOp(rows)
		if err != nil {
			return nil, fmt.Errorf("list queued ops: %w", err)
		}
		ops = append(ops, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued ops: %w", err)
	}
	return ops, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanQueuedOp(sc scanner) (*QueuedOp, error) {
	var (
		q          QueuedOp
		kind       string
		payload    string
		enqueuedAt string
	)
	if err := sc.Scan(&q.Position, &q.ID, &q.TargetTable, &kind, &q.TargetID,
		&payload, &q.BaseVersion, &enqueuedAt, &q.Attempts, &q.State); err != nil {
		return nil, err
	}
	q.Kind = OpKind(kind)

	if err := json.Unmarshal([]byte(payload), &q.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	normalizePayload(q.Payload)

	ts, err := time.Parse(timeFormat, enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("bad enqueued_at %q: %w", enqueuedAt, err)
	}
	q.EnqueuedAt = ts
	return &q, nil
}

// normalizePayload restores integer columns that JSON decoding widened
// to float64. Version and attempt counters must round-trip as int64.
func normalizePayload(payload Row) {
	for k, v := range payload {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			payload[k] = int64(f)
		}
	}
}
