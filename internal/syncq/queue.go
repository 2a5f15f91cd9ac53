package syncq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/fieldops/rigtrack/internal/bus"
	"github.com/fieldops/rigtrack/internal/store"
)

// Defaults for the delivery policy.
const (
	DefaultMaxAttempts  = 8
	DefaultBaseDelay    = 250 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultDrainRetries = 2 // extra in-pass retries per op before re-parking it
)

// Preflight is consulted before an equipment op is delivered. A non-nil
// error holds the op (and everything behind it for the same row) in the
// queue without burning an attempt. Implemented by conflict.Resolver.
type Preflight interface {
	Check(ctx context.Context, op *store.QueuedOp) error
}

// Queue replays parked mutations against the destination row store.
type Queue struct {
	local  *store.Store
	dest   store.RowStore
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	preflight    Preflight
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	drainRetries uint64

	mu       sync.Mutex
	online   bool
	draining map[string]bool // target ids owned by an in-flight drain
}

// Option configures a Queue.
type Option func(*Queue)

// WithPreflight installs the conflict check run before equipment ops.
func WithPreflight(p Preflight) Option {
	return func(q *Queue) { q.preflight = p }
}

// SetPreflight installs the conflict check after construction. The
// queue and its resolver reference each other, so one side has to be
// wired late.
func (q *Queue) SetPreflight(p Preflight) {
	q.mu.Lock()
	q.preflight = p
	q.mu.Unlock()
}

// WithMaxAttempts sets the total attempt budget per op across drains.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBackoff sets the base and cap of the exponential delivery backoff.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) { q.baseDelay, q.maxDelay = base, max }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithNow overrides the wall clock. Used for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue persisting on local and delivering to dest. The
// queue starts online.
func New(local *store.Store, dest store.RowStore, b *bus.Bus, opts ...Option) *Queue {
	q := &Queue{
		local:        local,
		dest:         dest,
		bus:          b,
		logger:       slog.Default(),
		now:          time.Now,
		maxAttempts:  DefaultMaxAttempts,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		drainRetries: DefaultDrainRetries,
		online:       true,
		draining:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Online reports the current connectivity assumption.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline records a connectivity transition. Coming back online
// triggers a drain of everything parked while offline.
func (q *Queue) SetOnline(ctx context.Context, online bool) error {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if was == online {
		return nil
	}
	q.bus.Publish(TopicOnlineChanged, online)
	q.logger.Info("connectivity changed", "online", online)
	if online {
		return q.Drain(ctx)
	}
	return nil
}

// Enqueue parks one or more operations durably. Position is assigned by
// the store and preserves enqueue order. A multi-op call is atomic: the
// group lands in the queue together or not at all.
func (q *Queue) Enqueue(ctx context.Context, ops ...*store.QueuedOp) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if op.State == "" {
			op.State = store.QueueStatePending
		}
		if op.EnqueuedAt.IsZero() {
			op.EnqueuedAt = q.now().UTC()
		}
	}
	if err := q.local.InsertQueuedOps(ctx, ops); err != nil {
		return fmt.Errorf("enqueue %d ops: %w", len(ops), err)
	}
	for _, op := range ops {
		q.logger.Debug("op queued",
			"op", op.ID,
			"table", op.TargetTable,
			"target", op.TargetID,
			"kind", op.Kind,
		)
	}
	return nil
}

// Pending returns queued operations still awaiting delivery, in enqueue
// order.
func (q *Queue) Pending(ctx context.Context) ([]store.QueuedOp, error) {
	return q.local.ListQueuedOps(ctx, store.QueueStatePending)
}

// Abandoned returns operations that were given up on.
func (q *Queue) Abandoned(ctx context.Context) ([]store.QueuedOp, error) {
	return q.local.ListQueuedOps(ctx, store.QueueStateAbandoned)
}

// Snapshot returns every queued operation regardless of state, in
// enqueue order. Read-only; the returned slice is the caller's.
func (q *Queue) Snapshot(ctx context.Context) ([]store.QueuedOp, error) {
	return q.local.ListQueuedOps(ctx, "")
}

// Abandon drops a queued operation on operator request. Pending ops
// behind it for the same row are abandoned with it, since they were
// issued against the state it would have produced.
func (q *Queue) Abandon(ctx context.Context, opID string) error {
	op, ok, err := q.local.GetQueuedOp(ctx, opID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("abandon %s: operation not found", opID)
	}
	if op.State != store.QueueStatePending {
		return nil
	}
	if err := q.abandon(ctx, op, ReasonOperator); err != nil {
		return err
	}
	return q.abandonSuccessors(ctx, op)
}

// Run drains on a ticker until ctx is cancelled. Reconnect drains
// still fire immediately through SetOnline; the ticker picks up ops
// parked by transient delivery failures.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Drain(ctx); err != nil {
				q.logger.Error("periodic drain", "error", err)
			}
		}
	}
}

// Drain delivers pending operations in enqueue order, one row at a
// time. Rows already owned by a concurrent drain are skipped; a row
// whose head op cannot be delivered is left parked without blocking the
// others.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.Online() {
		return nil
	}

	pending, err := q.local.ListQueuedOps(ctx, store.QueueStatePending)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	groups := groupByTarget(pending)
	var firstErr error
	for _, g := range groups {
		if !q.claim(g.key) {
			continue
		}
		err := q.drainTarget(ctx, g.ops)
		q.release(g.key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

// drainTarget delivers one row's ops strictly in order. The first op
// that stays undeliverable parks the rest; the first op that exhausts
// its budget abandons the rest.
func (q *Queue) drainTarget(ctx context.Context, ops []store.QueuedOp) error {
	for i := range ops {
		op := ops[i]

		q.mu.Lock()
		preflight := q.preflight
		q.mu.Unlock()
		if preflight != nil && op.TargetTable == store.TableEquipment {
			if err := preflight.Check(ctx, &op); err != nil {
				q.logger.Warn("delivery held",
					"op", op.ID,
					"target", op.TargetID,
					"error", err,
				)
				return nil
			}
		}

		err := q.deliver(ctx, &op)
		if err == nil {
			if err := q.local.DeleteQueuedOp(ctx, op.ID); err != nil {
				return err
			}
			remaining := len(ops) - i - 1
			q.logger.Info("op delivered",
				"op", op.ID,
				"table", op.TargetTable,
				"target", op.TargetID,
				"remaining", remaining,
			)
			q.bus.Publish(TopicOpDelivered, DeliveredEvent{Op: &op, Remaining: remaining})
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts, bumpErr := q.local.BumpQueuedAttempts(ctx, op.ID)
		if bumpErr != nil {
			return bumpErr
		}
		op.Attempts = attempts
		if attempts < q.maxAttempts {
			q.logger.Warn("delivery failed, op stays queued",
				"op", op.ID,
				"target", op.TargetID,
				"attempts", attempts,
				"error", err,
			)
			return nil
		}

		if err := q.abandon(ctx, &op, ReasonMaxAttempts); err != nil {
			return err
		}
		for _, succ := range ops[i+1:] {
			if err := q.abandon(ctx, &succ, ReasonSuperseded); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// deliver executes one op against the destination, retrying transient
// failures within this pass with capped exponential backoff.
func (q *Queue) deliver(ctx context.Context, op *store.QueuedOp) error {
	b := retry.NewExponential(q.baseDelay)
	b = retry.WithCappedDuration(q.maxDelay, b)
	b = retry.WithMaxRetries(q.drainRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := q.dest.Execute(ctx, op.Op())
		if err == nil {
			return nil
		}
		if store.IsUnavailable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (q *Queue) abandon(ctx context.Context, op *store.QueuedOp, reason string) error {
	if err := q.local.MarkQueuedAbandoned(ctx, op.ID); err != nil {
		return err
	}
	abandoned := *op
	abandoned.State = store.QueueStateAbandoned
	q.logger.Error("op abandoned",
		"op", op.ID,
		"table", op.TargetTable,
		"target", op.TargetID,
		"attempts", op.Attempts,
		"reason", reason,
	)
	q.bus.Publish(TopicOpAbandoned, AbandonedEvent{Op: &abandoned, Reason: reason})
	return nil
}

func (q *Queue) abandonSuccessors(ctx context.Context, op *store.QueuedOp) error {
	pending, err := q.local.ListQueuedOps(ctx, store.QueueStatePending)
	if err != nil {
		return err
	}
	for i := range pending {
		succ := pending[i]
		if succ.TargetID == op.TargetID && succ.Position > op.Position {
			if err := q.abandon(ctx, &succ, ReasonSuperseded); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) claim(target string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining[target] {
		return false
	}
	q.draining[target] = true
	return true
}

func (q *Queue) release(target string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.draining, target)
}

type targetGroup struct {
	key string
	ops []store.QueuedOp
}

// groupByTarget buckets ops by target id, preserving both the order of
// first appearance and the op order within each bucket.
func groupByTarget(ops []store.QueuedOp) []targetGroup {
	index := make(map[string]int)
	var groups []targetGroup
	for _, op := range ops {
		key := op.TargetTable + "/" + op.TargetID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, targetGroup{key: key})
		}
		groups[i].ops = append(groups[i].ops, op)
	}
	return groups
}
