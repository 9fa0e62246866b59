package txn

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/storage"
	"github.com/pingcap-incubator/txnprobe/kv/transaction/latches"
	"github.com/pingcap-incubator/txnprobe/kv/transaction/mvcc"
	"github.com/pingcap-incubator/txnprobe/kv/tso"
	"github.com/pingcap-incubator/txnprobe/kv/util/codec"
	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap-incubator/txnprobe/kv/util/lockwaiter"
	"github.com/pingcap/errors"
)

// Manager starts transactions over a Storage and commits them.
type Manager struct {
	storage         storage.Storage
	oracle          *tso.Oracle
	latches         *latches.Latches
	waiters         *lockwaiter.Manager
	lockWaitTimeout time.Duration

	// Commits hold tsGuard for reading from allocating their commit ts until their writes land, Begin takes it for
	// writing. So every commit ts below a start ts belongs to a commit which is already readable.
	tsGuard sync.RWMutex

	mu     sync.Mutex
	active map[uuid.UUID]*Txn
	hooks  []CommitHook
	closed bool
}

func NewManager(st storage.Storage, oracle *tso.Oracle, conf *config.Txn) *Manager {
	return &Manager{
		storage:         st,
		oracle:          oracle,
		latches:         latches.NewLatches(),
		waiters:         lockwaiter.NewManager(),
		lockWaitTimeout: conf.LockWaitTimeout.Duration,
		active:          make(map[uuid.UUID]*Txn),
	}
}

// OnCommit registers a hook run after every successful commit, in registration order. Hooks run while the commit
// holds the latches of its keys and must not commit transactions themselves.
func (m *Manager) OnCommit(hook CommitHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Begin starts a transaction. A zero timeout never expires.
func (m *Manager) Begin(concurrency Concurrency, isolation Isolation, timeout time.Duration) (*Txn, error) {
	m.tsGuard.Lock()
	startTS := m.oracle.Next()
	m.tsGuard.Unlock()

	t := &Txn{
		mgr:         m,
		xid:         uuid.New(),
		startTS:     startTS,
		concurrency: concurrency,
		isolation:   isolation,
		started:     time.Now(),
		writes:      make(map[string]*pending),
		reads:       make(map[string]struct{}),
		locks:       make(map[string]struct{}),
	}
	if timeout > 0 {
		t.deadline = t.started.Add(timeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.active[t.xid] = t
	log.Debugf("begin txn %s start_ts %d %s %s", t.xid, startTS, concurrency, isolation)
	return t, nil
}

// Active returns the number of transactions neither committed nor rolled back.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close rolls back every open transaction. Later calls to Begin fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	open := make([]*Txn, 0, len(m.active))
	for _, t := range m.active {
		open = append(open, t)
	}
	m.mu.Unlock()

	for _, t := range open {
		if err := t.Close(); err != nil {
			log.Warnf("roll back txn %s on close: %v", t.xid, err)
		}
	}
}

func (m *Manager) finish(t *Txn, result string) {
	m.mu.Lock()
	delete(m.active, t.xid)
	m.mu.Unlock()
	metrics.TxnCounter.WithLabelValues(result).Inc()
	metrics.TxnDuration.WithLabelValues(result).Observe(time.Since(t.started).Seconds())
}

func (m *Manager) runHooks(commitTS uint64, muts []Mutation) {
	m.mu.Lock()
	hooks := m.hooks
	m.mu.Unlock()
	for _, h := range hooks {
		h(commitTS, muts)
	}
}

// read returns the newest value of key committed at or before ts.
func (m *Manager) read(key []byte, ts uint64) ([]byte, uint64, error) {
	reader, err := m.storage.Reader()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	defer reader.Close()
	ro := mvcc.RoTxn{Reader: reader, StartTS: ts}
	return ro.GetValueAt(key, ts)
}

// ScanCommitted calls fn for every live key of space in the latest committed state, in key order.
func (m *Manager) ScanCommitted(space uint32, fn func(key, value []byte) error) error {
	reader, err := m.storage.Reader()
	if err != nil {
		return errors.Trace(err)
	}
	defer reader.Close()

	scanner := mvcc.NewScanner(codec.CachePrefix(space), &mvcc.RoTxn{Reader: reader, StartTS: mvcc.TsMax})
	defer scanner.Close()
	for {
		key, value, err := scanner.Next()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		_, userKey, err := codec.SplitCacheKey(key)
		if err != nil {
			return err
		}
		if err := fn(userKey, value); err != nil {
			return err
		}
	}
}

// DeleteSpace physically removes every version and lock of space.
func (m *Manager) DeleteSpace(space uint32) error {
	prefix := codec.CachePrefix(space)
	reader, err := m.storage.Reader()
	if err != nil {
		return errors.Trace(err)
	}
	defer reader.Close()

	var batch []storage.Modify
	iter := reader.IterCF(engine_util.CfWrite)
	for iter.Seek(mvcc.EncodeKey(prefix, mvcc.TsMax)); iter.Valid(); iter.Next() {
		item := iter.Item()
		userKey := mvcc.DecodeUserKey(item.Key())
		if !bytes.HasPrefix(userKey, prefix) {
			break
		}
		value, err := item.Value()
		if err != nil {
			iter.Close()
			return errors.Trace(err)
		}
		write, err := mvcc.ParseWrite(value)
		if err != nil {
			iter.Close()
			return err
		}
		batch = append(batch, storage.Modify{Data: storage.Delete{Key: item.KeyCopy(nil), Cf: engine_util.CfWrite}})
		if write.Kind == mvcc.WriteKindPut {
			batch = append(batch, storage.Modify{Data: storage.Delete{Key: mvcc.EncodeKey(userKey, write.StartTS), Cf: engine_util.CfDefault}})
		}
	}
	iter.Close()

	lockIter := reader.IterCF(engine_util.CfLock)
	for lockIter.Seek(prefix); lockIter.Valid(); lockIter.Next() {
		key := lockIter.Item().KeyCopy(nil)
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		batch = append(batch, storage.Modify{Data: storage.Delete{Key: key, Cf: engine_util.CfLock}})
	}
	lockIter.Close()

	if len(batch) == 0 {
		return nil
	}
	log.Infof("delete %d entries of space %d", len(batch), space)
	return errors.Trace(m.storage.Write(batch))
}

// Recover prepares data left by an earlier process: the oracle moves past every commit ts on record and locks of
// transactions which can no longer finish are removed.
func (m *Manager) Recover() error {
	reader, err := m.storage.Reader()
	if err != nil {
		return errors.Trace(err)
	}
	defer reader.Close()

	var maxTS uint64
	iter := reader.IterCF(engine_util.CfWrite)
	for iter.Seek(nil); iter.Valid(); iter.Next() {
		if ts := codec.DecodeTs(iter.Item().Key()); ts > maxTS {
			maxTS = ts
		}
	}
	iter.Close()
	m.oracle.Observe(maxTS)

	var stale []storage.Modify
	lockIter := reader.IterCF(engine_util.CfLock)
	for lockIter.Seek(nil); lockIter.Valid(); lockIter.Next() {
		stale = append(stale, storage.Modify{Data: storage.Delete{Key: lockIter.Item().KeyCopy(nil), Cf: engine_util.CfLock}})
	}
	lockIter.Close()
	if len(stale) > 0 {
		log.Warnf("removing %d stale locks", len(stale))
		if err := m.storage.Write(stale); err != nil {
			return errors.Trace(err)
		}
	}
	log.Infof("recovered transaction state, last commit ts %d", maxTS)
	return nil
}

// waitFor parks t until the owner of the lock behind w finishes.
func (m *Manager) waitFor(t *Txn, w *lockwaiter.Waiter) error {
	result := w.Wait()
	if result.Position == lockwaiter.WaitTimeout {
		m.waiters.CleanUp(w)
		metrics.LockWaitCounter.WithLabelValues(metrics.ResultTimeout).Inc()
		return errors.Annotatef(ErrLockTimeout, "txn %s waiting for txn started at %d", t.xid, w.LockTS)
	}
	metrics.LockWaitCounter.WithLabelValues(metrics.ResultAcquired).Inc()
	return nil
}

// foreignLock registers a waiter when one of keys is locked by a transaction other than t. It must be called with
// the latches of keys held.
func (m *Manager) foreignLock(t *Txn, ro *mvcc.RoTxn, keys [][]byte) (*lockwaiter.Waiter, error) {
	for _, key := range keys {
		lock, err := ro.GetLock(key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if lock != nil && !lock.OwnedBy(t.startTS) {
			log.Debugf("txn %s: %v", t.xid, &mvcc.LockedError{Key: key, Lock: lock})
			return m.waiters.NewWaiter(t.startTS, lock.Ts, lockwaiter.KeyHash(key), t.lockWaitTimeout()), nil
		}
	}
	return nil, nil
}

// lock takes a pessimistic lock on key for t, waiting for other owners to finish.
func (m *Manager) lock(t *Txn, key []byte) error {
	keys := [][]byte{key}
	for {
		m.latches.WaitForLatches(keys)
		w, err := m.tryLock(t, key)
		m.latches.ReleaseLatches(keys)
		if err != nil {
			return err
		}
		if w == nil {
			return nil
		}
		if err := m.waitFor(t, w); err != nil {
			return err
		}
	}
}

func (m *Manager) tryLock(t *Txn, key []byte) (*lockwaiter.Waiter, error) {
	reader, err := m.storage.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer reader.Close()
	txn := mvcc.NewTxn(reader, t.startTS)
	if w, err := m.foreignLock(t, &txn.RoTxn, [][]byte{key}); w != nil || err != nil {
		return w, err
	}
	txn.PutLock(key, &mvcc.Lock{
		Primary: t.primary(key),
		Ts:      t.startTS,
		Ttl:     uint64(t.lockWaitTimeout() / time.Millisecond),
		Kind:    mvcc.WriteKindLock,
	})
	return nil, errors.Trace(m.storage.Write(txn.Writes()))
}

// commit validates t and writes its buffered changes. It returns the commit ts, or 0 for a transaction with nothing
// to write.
func (m *Manager) commit(t *Txn) (uint64, []Mutation, error) {
	if len(t.order) == 0 && len(t.locks) == 0 {
		return 0, nil, nil
	}
	writeKeys := t.writeKeys()
	latchKeys := t.latchKeys()
	for {
		m.latches.WaitForLatches(latchKeys)
		w, err := m.validate(t, writeKeys)
		if err != nil {
			m.latches.ReleaseLatches(latchKeys)
			return 0, nil, err
		}
		if w == nil {
			break
		}
		m.latches.ReleaseLatches(latchKeys)
		if err := m.waitFor(t, w); err != nil {
			return 0, nil, err
		}
	}
	defer m.latches.ReleaseLatches(latchKeys)

	m.tsGuard.RLock()
	commitTS := m.oracle.Next()
	txn := mvcc.NewTxn(nil, t.startTS)
	muts := make([]Mutation, 0, len(t.order))
	for _, k := range t.order {
		p := t.writes[k]
		key := []byte(k)
		kind := mvcc.WriteKindPut
		if p.delete {
			kind = mvcc.WriteKindDelete
		} else {
			txn.PutValue(key, p.value)
		}
		txn.PutWrite(key, commitTS, &mvcc.Write{StartTS: t.startTS, Kind: kind})
		muts = append(muts, Mutation{Space: p.space, Key: p.key, Value: p.value, Delete: p.delete})
	}
	for k := range t.locks {
		txn.DeleteLock([]byte(k))
	}
	err := m.storage.Write(txn.Writes())
	m.tsGuard.RUnlock()
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	m.release(t, commitTS)
	// Hooks run before the latches are released so that hooks of commits touching the same key run in commit order.
	m.runHooks(commitTS, muts)
	return commitTS, muts, nil
}

// validate checks t can commit. It must be called with the latches of t held.
func (m *Manager) validate(t *Txn, writeKeys [][]byte) (*lockwaiter.Waiter, error) {
	reader, err := m.storage.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer reader.Close()
	ro := &mvcc.RoTxn{Reader: reader, StartTS: t.startTS}

	if w, err := m.foreignLock(t, ro, writeKeys); w != nil || err != nil {
		return w, err
	}
	if t.concurrency != Optimistic || t.isolation != Serializable {
		return nil, nil
	}
	for _, key := range t.latchKeys() {
		_, commitTS, err := ro.MostRecentWrite(key)
		if err != nil {
			return nil, err
		}
		if commitTS > t.startTS {
			return nil, errors.Annotatef(ErrOptimisticConflict, "key %q was committed at %d after txn %s started at %d",
				key, commitTS, t.xid, t.startTS)
		}
	}
	return nil, nil
}

// unlock removes the pessimistic locks of a transaction which will not commit.
func (m *Manager) unlock(t *Txn) error {
	if len(t.locks) == 0 {
		return nil
	}
	keys := make([][]byte, 0, len(t.locks))
	txn := mvcc.NewTxn(nil, t.startTS)
	for k := range t.locks {
		keys = append(keys, []byte(k))
		txn.DeleteLock([]byte(k))
	}
	m.latches.WaitForLatches(keys)
	err := m.storage.Write(txn.Writes())
	m.latches.ReleaseLatches(keys)
	if err != nil {
		return errors.Trace(err)
	}
	m.release(t, 0)
	return nil
}

// release wakes transactions waiting for locks of t. commitTS is 0 when t rolled back.
func (m *Manager) release(t *Txn, commitTS uint64) {
	if len(t.locks) == 0 && len(t.order) == 0 {
		return
	}
	hashes := make([]uint64, 0, len(t.locks)+len(t.order))
	for k := range t.locks {
		hashes = append(hashes, lockwaiter.KeyHash([]byte(k)))
	}
	for _, k := range t.order {
		hashes = append(hashes, lockwaiter.KeyHash([]byte(k)))
	}
	t.locks = make(map[string]struct{})
	m.waiters.WakeUp(t.startTS, commitTS, hashes)
}
