package syncq

import "github.com/fieldops/rigtrack/internal/store"

// Bus topics published by the queue.
const (
	// TopicOpDelivered fires after a queued op lands on the destination
	// store and its queue row is removed.
	TopicOpDelivered = "sync.op_delivered"

	// TopicOpAbandoned fires when a queued op is given up on, either by
	// exhausting its attempt budget or by operator request.
	TopicOpAbandoned = "sync.op_abandoned"

	// TopicOnlineChanged fires on connectivity transitions.
	TopicOnlineChanged = "sync.online_changed"
)

// DeliveredEvent is the payload of TopicOpDelivered. Remaining counts
// the pending ops still queued for the same target row; zero means the
// row's optimistic state is fully confirmed.
type DeliveredEvent struct {
	Op        *store.QueuedOp
	Remaining int
}

// AbandonedEvent is the payload of TopicOpAbandoned.
type AbandonedEvent struct {
	Op     *store.QueuedOp
	Reason string
}

// Abandonment reasons.
const (
	ReasonMaxAttempts = "max attempts exhausted"
	ReasonSuperseded  = "earlier op for the same row abandoned"
	ReasonOperator    = "abandoned by operator"
)
