// Package conflict detects and resolves divergence between locally
// queued equipment state and what the row store holds.
//
// Detection runs as the sync queue's preflight: before a queued
// equipment op is delivered, the resolver compares the op's base version
// marker with the store's current marker. A mismatch with differing
// state fingerprints opens a conflict record, and the unit is blocked
// from further mutation until an operator picks a side.
//
// Resolution is explicit. Keeping the local side rebases the queued ops
// onto the store's current version so the next drain delivers them;
// keeping the store's side abandons the queued ops, which makes the
// engine revert its optimistic state.
package conflict
