package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable marks a transient connectivity failure. RowStore
// implementations backed by a remote store return it (wrapped) when the
// store cannot be reached; callers route such failures to the sync queue
// instead of surfacing them.
var ErrUnavailable = errors.New("store unavailable")

// IsUnavailable reports whether err represents a connectivity failure:
// ErrUnavailable, a deadline expiry, or a cancelled context. Logical
// failures (constraint violations, missing rows) are not connectivity
// failures.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// DefaultWriteTimeout bounds a single write attempt. A write that does
// not complete within the window is treated as a connectivity failure
// rather than left pending indefinitely.
const DefaultWriteTimeout = 5 * time.Second

// Writer applies ordered lists of row operations with an all-or-nothing
// outcome. A single logical action (e.g. "deploy equipment to job")
// touches the job row, the equipment row, and the history log; a partial
// write would produce an inventory that disagrees with itself.
type Writer struct {
	rs      RowStore
	timeout time.Duration
	logger  *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		w.timeout = d
	}
}

// NewWriter creates a Writer over rs. A nil logger falls back to
// slog.Default.
func NewWriter(rs RowStore, logger *slog.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		rs:      rs,
		timeout: DefaultWriteTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply runs ops such that either all operations are durably visible or
// none are. The first error encountered is returned.
//
// When the RowStore supports atomic batches the operations run in one
// native transaction. Otherwise Apply captures a compensating operation
// before each step and, on mid-sequence failure, reverses the already
// applied steps in reverse order before reporting the failure.
func (w *Writer) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("apply: op %d: %w", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if w.rs.AtomicBatch() {
		if err := w.rs.Batch(ctx, ops); err != nil {
			return fmt.Errorf("apply: %w", err)
		}
		return nil
	}
	return w.applyCompensating(ctx, ops)
}

// Fetch exposes the underlying row read for callers that need the
// authoritative row (the conflict resolver's remote read).
func (w *Writer) Fetch(ctx context.Context, table, id string) (Row, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.rs.Fetch(ctx, table, id)
}

func (w *Writer) applyCompensating(ctx context.Context, ops []Op) error {
	undos := make([]Op, 0, len(ops))

	for i, op := range ops {
		undo, err := w.captureUndo(ctx, op)
		if err != nil {
			w.rollback(undos)
			return fmt.Errorf("apply: op %d: capture undo: %w", i, err)
		}

		if err := w.rs.Execute(ctx, op); err != nil {
			w.rollback(undos)
			return fmt.Errorf("apply: op %d: %w", i, err)
		}
		if undo != nil {
			undos = append(undos, *undo)
		}
	}
	return nil
}

// captureUndo derives the operation that reverses op. A create reverses
// to a delete; updates and deletes reverse to restoring the prior row.
// History inserts reverse to deletes like any other create.
func (w *Writer) captureUndo(ctx context.Context, op Op) (*Op, error) {
	switch op.Kind {
	case OpCreate:
		return &Op{Table: op.Table, Kind: OpDelete, ID: op.ID}, nil

	case OpUpdate:
		prior, ok, err := w.rs.Fetch(ctx, op.Table, op.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("row %s/%s does not exist", op.Table, op.ID)
		}
		return &Op{Table: op.Table, Kind: OpUpdate, ID: op.ID, Payload: prior}, nil

	case OpDelete:
		prior, ok, err := w.rs.Fetch(ctx, op.Table, op.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Deleting a missing row needs no compensation.
			return nil, nil
		}
		return &Op{Table: op.Table, Kind: OpCreate, ID: op.ID, Payload: prior}, nil

	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// rollback reverses applied operations in reverse order. Rollback runs
// on a fresh context: the original may already have expired, and a
// half-applied sequence is worse than a late compensation.
func (w *Writer) rollback(undos []Op) {
	if len(undos) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	for i := len(undos) - 1; i >= 0; i-- {
		undo := undos[i]
		if err := w.rs.Execute(ctx, undo); err != nil {
			w.logger.Error("compensating rollback failed",
				"table", undo.Table,
				"kind", undo.Kind,
				"id", undo.ID,
				"error", err,
			)
		}
	}
}
