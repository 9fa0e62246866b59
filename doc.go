package txnprobe

/*
txnprobe starts an embedded storage node, creates a transactional replicated cache with a SQL view and checks whether a
SQL query issued inside an open transaction sees a record written earlier in the same transaction.

The node keeps its data in a multi-version store (in memory or on badger) and runs optimistic or pessimistic
transactions at read committed, repeatable read or serializable isolation over it. Each indexed cache maintains a
table of committed rows and secondary indexes which a small SQL subset (single table SELECT with WHERE, LIMIT and
OFFSET) runs against. Direct key reads inside a transaction always see the transaction's own writes; SQL queries see
them only when the node is configured with `query.tx-aware`.

Packages:

	kv/config       toml configuration
	kv/util         key codec, engine helpers, lock waiters and background workers
	kv/storage      the Storage interface, in-memory and badger engines, in-process replicas
	kv/transaction  mvcc encoding of values, writes and locks, and per-key latches
	kv/tso          the timestamp oracle
	kv/txn          transactions and the commit protocol
	kv/schema       record types and their encoding
	kv/index        committed SQL tables and the index flusher
	kv/query        parsing, planning and executing SQL fields queries
	kv/cache        caches and their transactional views
	kv/node         the embedded node
	kv/probe        the visibility probe
	kv/txnprobe     the command line entry point
*/
