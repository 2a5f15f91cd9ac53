// Package store is the persistence boundary of the allocation core.
//
// It has two layers:
//
//   - RowStore: a minimal row-level interface (Execute, Batch, Fetch) over
//     the equipment, jobs, history, and sync_queue tables. Store is the
//     SQLite implementation, configured with WAL mode and a busy timeout.
//
//   - Writer: the transactional writer. It applies an ordered list of row
//     operations with an all-or-nothing outcome. When the underlying
//     RowStore supports atomic batches the operations run in one native
//     transaction; otherwise the writer captures compensating operations
//     and reverses already-applied work in reverse order on failure.
//
// Nothing above this package issues SQL. The allocation engine, conflict
// resolver, and sync queue all express their mutations as []Op and hand
// them to the Writer.
package store
