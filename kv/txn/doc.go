package txn

// The txn package implements the node's transactions. A transaction is begun with a concurrency mode (optimistic or
// pessimistic), an isolation level (read committed, repeatable read or serializable) and an optional timeout. Writes
// are buffered in the transaction until Commit; reads return the transaction's own buffered writes before anything
// stored.
//
// Storage follows the percolator layout of the mvcc package. The `default` CF maps a key encoded with the start
// timestamp of the writing transaction to its value. The `write` CF maps a key encoded with the commit timestamp to a
// Write which points back at that start timestamp. The `lock` CF maps the raw key to a Lock while a pessimistic
// transaction holds it. Keys of different caches share one keyspace and are prefixed with the cache id (see
// codec.CacheKey).
//
// ## Reads
//
// Read committed reads the latest committed version of a key. Optimistic repeatable read and serializable read at the
// start timestamp, so a transaction keeps seeing the snapshot it began with. Serializable additionally remembers every
// key it read; Commit fails with ErrOptimisticConflict if any of them was committed by someone else after the start
// timestamp. Pessimistic repeatable read and serializable take a lock on every key they read and then read the latest
// committed version, which cannot change until the lock is released.
//
// ## Commit
//
// Commit runs under latches on every key the transaction wrote, locked or read. It first validates: a key locked by
// another transaction makes the committer wait for that lock (without holding latches) and retry. Then the commit
// timestamp is taken from the oracle and values, writes and lock removals go to storage in one batch. Begin and commit
// timestamps are ordered by a guard in the Manager so that once a transaction has a start timestamp, every commit with
// a smaller timestamp is already readable.
//
// After the batch is written, waiters on the released locks are woken and commit hooks run with the commit timestamp
// and the mutations in the order they were first written. Hooks run while the commit still holds its latches, so the
// hooks of two commits touching the same key run in commit order. Hooks are how caches learn about committed data: the
// SQL tables of indexed caches are only updated from hooks, so a query sees a write once it is committed and not
// before.
//
// Rollback drops the buffered writes and removes the transaction's locks. A transaction past its timeout is rolled back
// on its next operation and that operation fails with ErrTxnTimeout.
