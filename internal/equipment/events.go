package equipment

// Event topics published on the process bus for equipment lifecycle
// changes. Payload types are documented per topic.
const (
	// TopicStatusChanged carries a StatusChangedEvent. Published exactly
	// once per applied transition.
	TopicStatusChanged = "equipment.status_changed"

	// TopicProvisioned carries a *Unit clone for a newly created unit.
	TopicProvisioned = "equipment.provisioned"

	// TopicAllocationRequested carries an AllocationRequestedEvent before
	// the write is attempted.
	TopicAllocationRequested = "equipment.allocation_requested"
)

// StatusChangedEvent is the payload for TopicStatusChanged.
type StatusChangedEvent struct {
	UnitID string
	Code   string
	From   Status
	To     Status
	JobID  string

	// Pending is true when the backing write was queued rather than
	// confirmed; a later sync event confirms or rolls it back.
	Pending bool
}

// AllocationRequestedEvent is the payload for TopicAllocationRequested.
type AllocationRequestedEvent struct {
	UnitID string
	JobID  string
	NodeID string
}
