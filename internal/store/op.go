package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Table names addressable through row operations.
const (
	TableEquipment = "equipment"
	TableJobs      = "jobs"
	TableHistory   = "history"
)

// OpKind is the kind of a row-level operation.
type OpKind string

const (
	// OpCreate inserts a new row.
	OpCreate OpKind = "create"
	// OpUpdate updates columns of an existing row.
	OpUpdate OpKind = "update"
	// OpDelete removes a row.
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a defined operation kind.
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// Row is a column-name -> value map. Values are strings and int64s; the
// SQLite layer normalizes driver []byte results to strings on fetch.
type Row map[string]any

// Clone returns a copy of r.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Op is one row-level operation: a target table, an operation kind, a
// target id, and the column payload. For OpDelete the payload is ignored.
type Op struct {
	Table   string
	Kind    OpKind
	ID      string
	Payload Row
}

// Validate checks the operation shape before it reaches SQL.
func (op Op) Validate() error {
	switch op.Table {
	case TableEquipment, TableJobs, TableHistory:
	default:
		return fmt.Errorf("op targets unknown table %q", op.Table)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("op has unknown kind %q", op.Kind)
	}
	if op.ID == "" {
		return errors.New("op is missing a target id")
	}
	if op.Kind != OpDelete && len(op.Payload) == 0 {
		return fmt.Errorf("%s op for %s/%s has an empty payload", op.Kind, op.Table, op.ID)
	}
	return nil
}

// RowStore is the row-level persistence interface consumed by the Writer.
// The SQLite Store implements it; tests substitute fault-injecting fakes.
type RowStore interface {
	// Execute applies a single operation.
	Execute(ctx context.Context, op Op) error

	// Batch applies all operations. Implementations reporting
	// AtomicBatch() == true must make the batch all-or-nothing.
	Batch(ctx context.Context, ops []Op) error

	// Fetch returns the current row for table/id, or ok=false when the
	// row does not exist. Used by the Writer to capture compensating
	// operations.
	Fetch(ctx context.Context, table, id string) (row Row, ok bool, err error)

	// AtomicBatch reports whether Batch is natively transactional.
	AtomicBatch() bool
}

// Execute applies a single row operation outside any transaction.
func (s *Store) Execute(ctx context.Context, op Op) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return execOp(ctx, s.db, op)
}

// Batch applies ops inside a single SQLite transaction.
func (s *Store) Batch(ctx context.Context, ops []Op) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, op := range ops {
		if err := execOp(ctx, tx, op); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("batch: commit: %w", err)
	}
	return nil
}

// AtomicBatch reports that SQLite batches are natively transactional.
func (s *Store) AtomicBatch() bool { return true }

// Fetch returns the row for table/id as a column map.
func (s *Store) Fetch(ctx context.Context, table, id string) (Row, bool, error) {
	switch table {
	case TableEquipment, TableJobs, TableHistory:
	default:
		return nil, false, fmt.Errorf("fetch: unknown table %q", table)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table), id)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, fmt.Errorf("fetch %s/%s: %w", table, id, err)
		}
		return nil, false, nil
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s/%s: columns: %w", table, id, err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, fmt.Errorf("fetch %s/%s: scan: %w", table, id, err)
	}

	row := make(Row, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case []byte:
			row[col] = string(v)
		default:
			row[col] = v
		}
	}
	return row, true, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execOp builds and runs the SQL for one operation. Column order is
// sorted so generated statements are stable.
func execOp(ctx context.Context, db execer, op Op) error {
	switch op.Kind {
	case OpCreate:
		cols := sortedColumns(op.Payload)
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			placeholders[i] = "?"
			args[i] = op.Payload[col]
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			op.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("create %s/%s: %w", op.Table, op.ID, err)
		}
		return nil

	case OpUpdate:
		cols := sortedColumns(op.Payload)
		sets := make([]string, 0, len(cols))
		args := make([]any, 0, len(cols)+1)
		for _, col := range cols {
			if col == "id" {
				continue
			}
			sets = append(sets, col+" = ?")
			args = append(args, op.Payload[col])
		}
		if len(sets) == 0 {
			return fmt.Errorf("update %s/%s: no columns to set", op.Table, op.ID)
		}
		args = append(args, op.ID)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", op.Table, strings.Join(sets, ", "))
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", op.Table, op.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update %s/%s: rows affected: %w", op.Table, op.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("update %s/%s: row does not exist", op.Table, op.ID)
		}
		return nil

	case OpDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", op.Table)
		if _, err := db.ExecContext(ctx, query, op.ID); err != nil {
			return fmt.Errorf("delete %s/%s: %w", op.Table, op.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func sortedColumns(payload Row) []string {
	cols := make([]string, 0, len(payload))
	for col := range payload {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
