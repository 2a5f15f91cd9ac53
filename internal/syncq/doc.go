// Package syncq drains the durable sync queue against the authoritative
// row store.
//
// Operations that could not be applied synchronously are parked in the
// sync_queue table and replayed in enqueue order. Ordering is a per-id
// guarantee: ops targeting the same row are delivered strictly FIFO,
// while ops for different rows proceed independently, so one stuck row
// never blocks the rest of the queue.
//
// Delivery retries with capped exponential backoff. An op that exhausts
// its attempt budget is marked abandoned (and its successors for the
// same row with it); the abandonment is published on the bus so the
// engine can revert the optimistic in-memory state and operators can be
// told.
package syncq
