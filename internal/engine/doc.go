// Package engine implements the allocation engine: the single owner of
// in-memory equipment state and the only component that drives the status
// state machine.
//
// The engine serializes operations per equipment id. Two near-simultaneous
// allocation requests for one unit resolve deterministically (the second
// fails with ALREADY_ALLOCATED); requests for different units proceed
// concurrently.
//
// Writes go through the transactional writer as one ordered batch per
// logical action (equipment row + job row + history entry). When the
// writer reports a connectivity failure the mutation is handed to the
// sync queue, the caller sees optimistic success, and the bus later
// announces either confirmation or rollback.
//
// All other components are observers: they receive unit clones via the
// bus or the read-only snapshot accessors, never the engine-owned structs.
package engine
