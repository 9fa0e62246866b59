package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/transaction/mvcc"
	"github.com/pingcap-incubator/txnprobe/kv/util/codec"
	"github.com/pingcap/errors"
)

type pending struct {
	space  uint32
	key    []byte
	value  []byte
	delete bool
}

// Txn is a transaction handle. Writes are buffered until Commit; reads see the transaction's own writes first.
// A Txn may be used from several goroutines but its operations are serialized.
type Txn struct {
	mgr         *Manager
	xid         uuid.UUID
	startTS     uint64
	concurrency Concurrency
	isolation   Isolation
	started     time.Time
	deadline    time.Time

	mu     sync.Mutex
	state  State
	writes map[string]*pending
	// Cache keys of writes, in first-write order.
	order []string
	// Keys read by an optimistic serializable transaction, validated at commit.
	reads map[string]struct{}
	// Pessimistic locks held.
	locks map[string]struct{}
}

func (t *Txn) Xid() uuid.UUID {
	return t.xid
}

func (t *Txn) StartTS() uint64 {
	return t.startTS
}

func (t *Txn) Concurrency() Concurrency {
	return t.concurrency
}

func (t *Txn) Isolation() Isolation {
	return t.isolation
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Get returns the value of key in space as seen by the transaction, or nil when there is none.
func (t *Txn) Get(space uint32, key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	ck := codec.CacheKey(space, key)
	if p, ok := t.writes[string(ck)]; ok {
		if p.delete {
			return nil, nil
		}
		return p.value, nil
	}

	readTS := t.startTS
	switch {
	case t.isolation == ReadCommitted:
		readTS = mvcc.TsMax
	case t.concurrency == Pessimistic:
		// The lock keeps the latest committed value stable until we finish.
		if err := t.lockKey(ck); err != nil {
			return nil, err
		}
		readTS = mvcc.TsMax
	case t.isolation == Serializable:
		t.reads[string(ck)] = struct{}{}
	}
	value, _, err := t.mgr.read(ck, readTS)
	return value, err
}

// Put buffers a write of value to key in space.
func (t *Txn) Put(space uint32, key, value []byte) error {
	if value == nil {
		return errors.New("value must not be nil")
	}
	return t.write(space, key, value, false)
}

// Delete buffers the removal of key in space.
func (t *Txn) Delete(space uint32, key []byte) error {
	return t.write(space, key, nil, true)
}

func (t *Txn) write(space uint32, key, value []byte, del bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	ck := codec.CacheKey(space, key)
	if t.concurrency == Pessimistic {
		if err := t.lockKey(ck); err != nil {
			return err
		}
	}
	k := string(ck)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = &pending{
		space:  space,
		key:    append([]byte(nil), key...),
		value:  append([]byte(nil), value...),
		delete: del,
	}
	if del {
		t.writes[k].value = nil
	}
	return nil
}

// Pending returns the buffered writes to space in first-write order.
func (t *Txn) Pending(space uint32) []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var muts []Mutation
	for _, k := range t.order {
		p := t.writes[k]
		if p.space == space {
			muts = append(muts, Mutation{Space: space, Key: p.key, Value: p.value, Delete: p.delete})
		}
	}
	return muts
}

// SetRollbackOnly marks the transaction so that it can only roll back. It returns false if the transaction has
// already finished.
func (t *Txn) SetRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateActive, StateMarkedRollback:
		t.state = StateMarkedRollback
		return true
	}
	return false
}

func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.state == StateMarkedRollback {
		t.rollback(metrics.ResultRolledBack)
		return errors.Annotatef(ErrRollbackOnly, "txn %s", t.xid)
	}

	t.state = StatePreparing
	commitTS, muts, err := t.mgr.commit(t)
	if err != nil {
		result := metrics.ResultRolledBack
		switch errors.Cause(err) {
		case ErrOptimisticConflict:
			result = metrics.ResultConflict
		case ErrLockTimeout:
			result = metrics.ResultTimeout
		}
		t.rollback(result)
		return err
	}
	t.state = StateCommitted
	t.mgr.finish(t, metrics.ResultCommitted)
	log.Debugf("commit txn %s start_ts %d commit_ts %d, %d writes", t.xid, t.startTS, commitTS, len(muts))
	return nil
}

// Rollback discards the buffered writes and releases locks. Rolling back twice is a no-op.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateRolledBack:
		return nil
	case StateCommitted:
		return errors.Annotatef(ErrTxnClosed, "txn %s already committed", t.xid)
	}
	return t.rollback(metrics.ResultRolledBack)
}

// Close rolls back the transaction unless it has finished. It is safe to call more than once.
func (t *Txn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCommitted, StateRolledBack:
		return nil
	}
	return t.rollback(metrics.ResultRolledBack)
}

func (t *Txn) rollback(result string) error {
	err := t.mgr.unlock(t)
	t.writes = make(map[string]*pending)
	t.order = nil
	t.state = StateRolledBack
	t.mgr.finish(t, result)
	log.Debugf("rollback txn %s start_ts %d", t.xid, t.startTS)
	return err
}

func (t *Txn) checkActive() error {
	switch t.state {
	case StateActive, StateMarkedRollback:
	default:
		return errors.Annotatef(ErrTxnClosed, "txn %s is %s", t.xid, t.state)
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.rollback(metrics.ResultTimeout)
		return errors.Annotatef(ErrTxnTimeout, "txn %s exceeded %v", t.xid, t.deadline.Sub(t.started))
	}
	return nil
}

func (t *Txn) lockKey(key []byte) error {
	if _, ok := t.locks[string(key)]; ok {
		return nil
	}
	if err := t.mgr.lock(t, key); err != nil {
		return err
	}
	t.locks[string(key)] = struct{}{}
	return nil
}

func (t *Txn) lockWaitTimeout() time.Duration {
	timeout := t.mgr.lockWaitTimeout
	if !t.deadline.IsZero() {
		if left := time.Until(t.deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

// primary is the key identifying the transaction in its locks: its first write, or key if there is none yet.
func (t *Txn) primary(key []byte) []byte {
	if len(t.order) > 0 {
		return []byte(t.order[0])
	}
	return key
}

func (t *Txn) writeKeys() [][]byte {
	keys := make([][]byte, 0, len(t.order))
	for _, k := range t.order {
		keys = append(keys, []byte(k))
	}
	return keys
}

// latchKeys are the keys a commit latches: writes, pessimistic locks and validated reads.
func (t *Txn) latchKeys() [][]byte {
	seen := make(map[string]struct{}, len(t.order)+len(t.locks)+len(t.reads))
	keys := make([][]byte, 0, len(seen))
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, []byte(k))
		}
	}
	for _, k := range t.order {
		add(k)
	}
	for k := range t.locks {
		add(k)
	}
	for k := range t.reads {
		add(k)
	}
	return keys
}
