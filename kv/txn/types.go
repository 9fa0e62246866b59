package txn

import (
	"strings"

	"github.com/pingcap/errors"
)

type Concurrency int

const (
	// Optimistic transactions take no locks until commit and detect conflicts there.
	Optimistic Concurrency = iota
	// Pessimistic transactions lock every key they write, and every key they read above READ_COMMITTED.
	Pessimistic
)

func (c Concurrency) String() string {
	if c == Pessimistic {
		return "PESSIMISTIC"
	}
	return "OPTIMISTIC"
}

func ParseConcurrency(s string) (Concurrency, error) {
	switch strings.ToLower(s) {
	case "optimistic":
		return Optimistic, nil
	case "pessimistic":
		return Pessimistic, nil
	}
	return Optimistic, errors.Errorf("unknown transaction concurrency %q", s)
}

type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadCommitted:
		return "READ_COMMITTED"
	case Serializable:
		return "SERIALIZABLE"
	}
	return "REPEATABLE_READ"
}

func ParseIsolation(s string) (Isolation, error) {
	switch strings.Replace(strings.ToLower(s), "_", "-", -1) {
	case "read-committed":
		return ReadCommitted, nil
	case "repeatable-read":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return RepeatableRead, errors.Errorf("unknown transaction isolation %q", s)
}

type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateMarkedRollback
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePreparing:
		return "PREPARING"
	case StateCommitted:
		return "COMMITTED"
	case StateMarkedRollback:
		return "MARKED_ROLLBACK"
	case StateRolledBack:
		return "ROLLED_BACK"
	}
	return "UNKNOWN"
}

var (
	ErrTxnClosed          = errors.New("transaction is not active")
	ErrTxnTimeout         = errors.New("transaction timed out")
	ErrRollbackOnly       = errors.New("transaction is marked rollback-only")
	ErrOptimisticConflict = errors.New("optimistic transaction conflict")
	ErrLockTimeout        = errors.New("timed out waiting for lock")
	ErrManagerClosed      = errors.New("transaction manager is closed")
)

// Mutation is one committed change. Space identifies the cache the key belongs to.
type Mutation struct {
	Space  uint32
	Key    []byte
	Value  []byte
	Delete bool
}

// CommitHook observes every committed transaction after its writes are durable.
type CommitHook func(commitTS uint64, muts []Mutation)
