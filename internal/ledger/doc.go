// Package ledger implements the chained-hash append protocol for the
// tamper-evident audit log.
//
// Every mutation of a tracked table (a "stream") is captured as an immutable
// Entry. Each entry records the hash of its chronological predecessor within
// the same stream, starting from the well-known GenesisHash, so that altering
// or deleting any persisted entry is detectable by recomputation.
//
// Capture contract: the owning application must call Append synchronously,
// inside the same unit of work as the row mutation it describes, and must not
// treat the mutation as committed until Append returns. Appends for the same
// stream are serialised by the store (an in-process per-stream mutex for
// MemoryStore, a per-stream PostgreSQL advisory lock for PostgresStore);
// appends to different streams proceed in parallel.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package ledger
