package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/storage"
	"github.com/pingcap-incubator/txnprobe/kv/tso"
	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const space uint32 = 1

type committed struct {
	ts   uint64
	muts []Mutation
}

type hookRecorder struct {
	mu      sync.Mutex
	commits []committed
}

func (h *hookRecorder) hook(commitTS uint64, muts []Mutation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, committed{ts: commitTS, muts: muts})
}

func (h *hookRecorder) all() []committed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]committed(nil), h.commits...)
}

func newManager() (*Manager, *storage.MemStorage, *hookRecorder) {
	st := storage.NewMemStorage()
	conf := config.NewTestConfig()
	m := NewManager(st, tso.NewOracle(), &conf.Txn)
	rec := &hookRecorder{}
	m.OnCommit(rec.hook)
	return m, st, rec
}

func begin(t *testing.T, m *Manager, c Concurrency, i Isolation) *Txn {
	tx, err := m.Begin(c, i, 0)
	require.NoError(t, err)
	return tx
}

func put(t *testing.T, m *Manager, key, value string) {
	tx := begin(t, m, Optimistic, ReadCommitted)
	require.NoError(t, tx.Put(space, []byte(key), []byte(value)))
	require.NoError(t, tx.Commit())
}

func get(t *testing.T, tx *Txn, key string) []byte {
	v, err := tx.Get(space, []byte(key))
	require.NoError(t, err)
	return v
}

func TestReadYourOwnWrites(t *testing.T) {
	m, _, rec := newManager()
	tx := begin(t, m, Optimistic, RepeatableRead)
	defer tx.Close()

	require.NoError(t, tx.Put(space, []byte("k"), []byte("v1")))
	assert.Equal(t, []byte("v1"), get(t, tx, "k"))

	other := begin(t, m, Optimistic, ReadCommitted)
	assert.Nil(t, get(t, other, "k"))
	require.NoError(t, other.Close())

	require.NoError(t, tx.Commit())
	assert.Equal(t, StateCommitted, tx.State())

	commits := rec.all()
	require.Len(t, commits, 1)
	assert.True(t, commits[0].ts > tx.StartTS())
	assert.Equal(t, []Mutation{{Space: space, Key: []byte("k"), Value: []byte("v1")}}, commits[0].muts)

	after := begin(t, m, Optimistic, RepeatableRead)
	assert.Equal(t, []byte("v1"), get(t, after, "k"))
	require.NoError(t, after.Commit())
	assert.Equal(t, 0, m.Active())
}

func TestSpacesAreSeparate(t *testing.T) {
	m, _, _ := newManager()
	tx := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, tx.Put(1, []byte("k"), []byte("one")))
	require.NoError(t, tx.Put(2, []byte("k"), []byte("two")))
	assert.Len(t, tx.Pending(1), 1)
	assert.Equal(t, []byte("two"), tx.Pending(2)[0].Value)
	require.NoError(t, tx.Commit())

	check := begin(t, m, Optimistic, RepeatableRead)
	v, err := check.Get(1, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
	v, err = check.Get(3, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRepeatableReadUsesSnapshot(t *testing.T) {
	m, _, _ := newManager()
	put(t, m, "k", "old")

	rr := begin(t, m, Optimistic, RepeatableRead)
	rc := begin(t, m, Optimistic, ReadCommitted)
	assert.Equal(t, []byte("old"), get(t, rr, "k"))
	assert.Equal(t, []byte("old"), get(t, rc, "k"))

	put(t, m, "k", "new")
	assert.Equal(t, []byte("old"), get(t, rr, "k"))
	assert.Equal(t, []byte("new"), get(t, rc, "k"))

	// Without validation the last writer wins.
	require.NoError(t, rr.Put(space, []byte("k"), []byte("rr")))
	require.NoError(t, rr.Commit())
	require.NoError(t, rc.Close())

	check := begin(t, m, Optimistic, ReadCommitted)
	assert.Equal(t, []byte("rr"), get(t, check, "k"))
}

func TestHooksRunInCommitOrder(t *testing.T) {
	conf := config.NewTestConfig()
	m := NewManager(storage.NewMemStorage(), tso.NewOracle(), &conf.Txn)

	var (
		mu    sync.Mutex
		calls int
		view  = make(map[string]string)
	)
	entered := make(chan struct{})
	gate := make(chan struct{})
	m.OnCommit(func(commitTS uint64, muts []Mutation) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-gate
		}
		mu.Lock()
		for _, mut := range muts {
			view[string(mut.Key)] = string(mut.Value)
		}
		mu.Unlock()
	})

	older := begin(t, m, Optimistic, RepeatableRead)
	newer := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, older.Put(space, []byte("k"), []byte("old")))
	require.NoError(t, newer.Put(space, []byte("k"), []byte("new")))

	olderDone := make(chan error, 1)
	go func() { olderDone <- older.Commit() }()
	<-entered

	newerDone := make(chan error, 1)
	go func() { newerDone <- newer.Commit() }()
	select {
	case err := <-newerDone:
		t.Fatalf("second commit of k finished while the first was running hooks: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-olderDone)
	require.NoError(t, <-newerDone)

	check := begin(t, m, Optimistic, ReadCommitted)
	defer check.Close()
	assert.Equal(t, []byte("new"), get(t, check, "k"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "new", view["k"])
	assert.Equal(t, 2, calls)
}

func TestOptimisticSerializableConflict(t *testing.T) {
	m, _, rec := newManager()
	put(t, m, "k", "v0")

	tx := begin(t, m, Optimistic, Serializable)
	assert.Equal(t, []byte("v0"), get(t, tx, "k"))
	require.NoError(t, tx.Put(space, []byte("other"), []byte("x")))

	put(t, m, "k", "v1")

	err := tx.Commit()
	require.Error(t, err)
	assert.Equal(t, ErrOptimisticConflict, errors.Cause(err))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Len(t, rec.all(), 2)

	check := begin(t, m, Optimistic, ReadCommitted)
	assert.Nil(t, get(t, check, "other"))
}

func TestOptimisticSerializableWithoutConflict(t *testing.T) {
	m, _, _ := newManager()
	put(t, m, "k", "v0")
	tx := begin(t, m, Optimistic, Serializable)
	assert.Equal(t, []byte("v0"), get(t, tx, "k"))
	put(t, m, "unrelated", "v")
	require.NoError(t, tx.Put(space, []byte("k"), []byte("v1")))
	require.NoError(t, tx.Commit())
}

func TestPessimisticLockWait(t *testing.T) {
	m, st, _ := newManager()
	owner := begin(t, m, Pessimistic, RepeatableRead)
	require.NoError(t, owner.Put(space, []byte("k"), []byte("owner")))
	assert.Equal(t, 1, st.Len(engine_util.CfLock))

	done := make(chan error, 1)
	go func() {
		waiter, err := m.Begin(Pessimistic, RepeatableRead, 0)
		if err != nil {
			done <- err
			return
		}
		// Blocks until owner commits, then reads the committed value.
		v, err := waiter.Get(space, []byte("k"))
		if err == nil && string(v) != "owner" {
			err = errors.Errorf("unexpected value %q", v)
		}
		if err == nil {
			err = waiter.Put(space, []byte("k"), []byte("waiter"))
		}
		if err == nil {
			err = waiter.Commit()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, owner.Commit())
	require.NoError(t, <-done)
	assert.Equal(t, 0, st.Len(engine_util.CfLock))

	check := begin(t, m, Optimistic, ReadCommitted)
	assert.Equal(t, []byte("waiter"), get(t, check, "k"))
}

func TestPessimisticLockTimeout(t *testing.T) {
	m, st, _ := newManager()
	owner := begin(t, m, Pessimistic, RepeatableRead)
	defer owner.Close()
	require.NoError(t, owner.Put(space, []byte("k"), []byte("owner")))

	other := begin(t, m, Pessimistic, RepeatableRead)
	err := other.Put(space, []byte("k"), []byte("other"))
	require.Error(t, err)
	assert.Equal(t, ErrLockTimeout, errors.Cause(err))
	require.NoError(t, other.Close())

	// Optimistic commits wait for pessimistic locks too.
	opt := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, opt.Put(space, []byte("k"), []byte("opt")))
	err = opt.Commit()
	assert.Equal(t, ErrLockTimeout, errors.Cause(err))
	assert.Equal(t, StateRolledBack, opt.State())

	require.NoError(t, owner.Rollback())
	assert.Equal(t, 0, st.Len(engine_util.CfLock))
}

func TestTimeout(t *testing.T) {
	m, _, _ := newManager()
	tx, err := m.Begin(Optimistic, RepeatableRead, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	err = tx.Put(space, []byte("k"), []byte("v"))
	assert.Equal(t, ErrTxnTimeout, errors.Cause(err))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, ErrTxnClosed, errors.Cause(tx.Commit()))
}

func TestRollbackOnly(t *testing.T) {
	m, _, rec := newManager()
	tx := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, tx.Put(space, []byte("k"), []byte("v")))
	assert.True(t, tx.SetRollbackOnly())
	assert.Equal(t, StateMarkedRollback, tx.State())

	assert.Equal(t, ErrRollbackOnly, errors.Cause(tx.Commit()))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.False(t, tx.SetRollbackOnly())
	assert.Empty(t, rec.all())
}

func TestCloseAndRollback(t *testing.T) {
	m, _, rec := newManager()
	tx := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, tx.Put(space, []byte("k"), []byte("v")))
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Rollback())
	assert.Equal(t, ErrTxnClosed, errors.Cause(tx.Commit()))
	assert.Empty(t, rec.all())
	assert.Equal(t, 0, m.Active())

	committedTx := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, committedTx.Commit())
	assert.Error(t, committedTx.Rollback())
	assert.NoError(t, committedTx.Close())
	// A transaction without writes commits without a commit ts.
	assert.Empty(t, rec.all())
}

func TestDelete(t *testing.T) {
	m, _, rec := newManager()
	put(t, m, "k", "v")

	tx := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, tx.Delete(space, []byte("k")))
	assert.Nil(t, get(t, tx, "k"))
	assert.Error(t, tx.Put(space, []byte("k"), nil))
	require.NoError(t, tx.Commit())

	commits := rec.all()
	require.Len(t, commits, 2)
	assert.Equal(t, []Mutation{{Space: space, Key: []byte("k"), Delete: true}}, commits[1].muts)

	check := begin(t, m, Optimistic, ReadCommitted)
	assert.Nil(t, get(t, check, "k"))
}

func TestScanCommittedAndDeleteSpace(t *testing.T) {
	m, st, _ := newManager()
	put(t, m, "a", "1")
	put(t, m, "b", "2")
	put(t, m, "c", "3")
	tx := begin(t, m, Optimistic, RepeatableRead)
	require.NoError(t, tx.Delete(space, []byte("b")))
	require.NoError(t, tx.Put(space+1, []byte("z"), []byte("9")))
	require.NoError(t, tx.Commit())

	var keys []string
	require.NoError(t, m.ScanCommitted(space, func(key, value []byte) error {
		keys = append(keys, string(key)+"="+string(value))
		return nil
	}))
	assert.Equal(t, []string{"a=1", "c=3"}, keys)

	require.NoError(t, m.DeleteSpace(space))
	keys = nil
	require.NoError(t, m.ScanCommitted(space, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Empty(t, keys)
	// Only the other space is left: one value and one write record.
	assert.Equal(t, 1, st.Len(engine_util.CfDefault))
	assert.Equal(t, 1, st.Len(engine_util.CfWrite))
}

func TestRecover(t *testing.T) {
	m, st, rec := newManager()
	put(t, m, "k", "v")
	locked := begin(t, m, Pessimistic, RepeatableRead)
	require.NoError(t, locked.Put(space, []byte("k"), []byte("w")))
	assert.Equal(t, 1, st.Len(engine_util.CfLock))

	// A second manager over the same storage plays the part of a restarted process.
	conf := config.NewTestConfig()
	oracle := tso.NewOracle()
	restarted := NewManager(st, oracle, &conf.Txn)
	require.NoError(t, restarted.Recover())
	assert.Equal(t, 0, st.Len(engine_util.CfLock))
	assert.Equal(t, rec.all()[0].ts, oracle.Last())

	tx := begin(t, restarted, Pessimistic, RepeatableRead)
	require.NoError(t, tx.Put(space, []byte("k"), []byte("after")))
	require.NoError(t, tx.Commit())
}

func TestManagerClose(t *testing.T) {
	m, _, _ := newManager()
	tx := begin(t, m, Pessimistic, RepeatableRead)
	require.NoError(t, tx.Put(space, []byte("k"), []byte("v")))
	m.Close()
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, 0, m.Active())
	_, err := m.Begin(Optimistic, RepeatableRead, 0)
	assert.Equal(t, ErrManagerClosed, err)
}

func TestParse(t *testing.T) {
	c, err := ParseConcurrency("PESSIMISTIC")
	require.NoError(t, err)
	assert.Equal(t, Pessimistic, c)
	_, err = ParseConcurrency("eager")
	assert.Error(t, err)

	i, err := ParseIsolation("REPEATABLE_READ")
	require.NoError(t, err)
	assert.Equal(t, RepeatableRead, i)
	i, err = ParseIsolation("read-committed")
	require.NoError(t, err)
	assert.Equal(t, ReadCommitted, i)
	_, err = ParseIsolation("snapshot")
	assert.Error(t, err)

	assert.Equal(t, "OPTIMISTIC", Optimistic.String())
	assert.Equal(t, "SERIALIZABLE", Serializable.String())
	assert.Equal(t, "MARKED_ROLLBACK", StateMarkedRollback.String())
}
