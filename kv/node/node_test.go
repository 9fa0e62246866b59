package node

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pingcap-incubator/txnprobe/kv/cache"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/query"
	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap-incubator/txnprobe/kv/txn"
	"github.com/pingcap-incubator/txnprobe/kv/util/codec"
	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemEntity() *schema.Entity {
	return &schema.Entity{
		TypeName: "Item",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "label", Type: schema.TypeString, Indexed: true},
		},
	}
}

func item(id int64, label string) schema.Row {
	return schema.Row{types.NewIntDatum(id), types.NewStringDatum(label)}
}

func itemCache(name string) cache.Configuration {
	conf := cache.NewConfiguration(name)
	conf.AtomicityMode = cache.Transactional
	conf.Mode = cache.Replicated
	conf.QueryEntity = itemEntity()
	return conf
}

func startNode(t *testing.T, conf *config.Config) *Node {
	n, err := Start(conf)
	require.NoError(t, err)
	return n
}

type queryer interface {
	Query(q *query.SqlFieldsQuery) (*query.Cursor, error)
}

func labels(t *testing.T, q queryer, sql string, args ...interface{}) []string {
	cur, err := q.Query(query.NewSqlFieldsQuery(sql).SetArgs(args...))
	require.NoError(t, err)
	var out []string
	for _, row := range cur.GetAll() {
		out = append(out, row[0].(string))
	}
	return out
}

func TestClientModeIsRejected(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Node.ClientMode = true
	_, err := Start(conf)
	assert.Equal(t, ErrNoServerNodes, err)

	conf = config.NewTestConfig()
	conf.Engine.Kind = "paper"
	_, err = Start(conf)
	assert.Error(t, err)
}

func TestGetOrCreateCache(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	defer n.Close()

	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	again, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	assert.True(t, c == again)

	other := itemCache("items")
	other.Mode = cache.Partitioned
	_, err = n.GetOrCreateCache(other)
	assert.Equal(t, ErrCacheConfigMismatch, errors.Cause(err))

	_, err = n.GetOrCreateCache(cache.NewConfiguration("no-entity"))
	assert.Error(t, err)

	second, err := n.GetOrCreateCache(itemCache("more"))
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), second.ID())
	assert.Equal(t, []string{"items", "more"}, n.CacheNames())

	got, err := n.Cache("more")
	require.NoError(t, err)
	assert.True(t, got == second)
	_, err = n.Cache("missing")
	assert.Equal(t, ErrCacheNotFound, errors.Cause(err))
}

func TestImplicitOperations(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	defer n.Close()
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)

	require.NoError(t, c.Put(1, item(1, "one")))
	require.NoError(t, c.Put(2, item(2, "two")))
	rec, err := c.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "one", rec.Datums()[1].GetString())

	ok, err := c.ContainsKey(3)
	require.NoError(t, err)
	assert.False(t, ok)
	size, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	got := labels(t, c, "SELECT label FROM Item WHERE label = ?", "two")
	assert.Equal(t, []string{"two"}, got)

	removed, err := c.Remove(2)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = c.Remove(2)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, labels(t, c, "SELECT label FROM Item WHERE label = 'two'"))

	assert.Error(t, c.Put(5, item(5, "x")[:1]))
}

func TestQueryInsideTransaction(t *testing.T) {
	for _, txAware := range []bool{false, true} {
		conf := config.NewTestConfig()
		conf.Query.TxAware = txAware
		n := startNode(t, conf)
		c, err := n.GetOrCreateCache(itemCache("items"))
		require.NoError(t, err)
		require.NoError(t, c.Put(1, item(1, "committed")))

		tx, err := n.Transactions().Begin(txn.Optimistic, txn.RepeatableRead, 0)
		require.NoError(t, err)
		view, err := c.In(tx)
		require.NoError(t, err)
		require.NoError(t, view.Put(2, item(2, "pending")))
		removed, err := view.Remove(1)
		require.NoError(t, err)
		assert.True(t, removed)

		got := labels(t, view, "SELECT label FROM Item")
		if txAware {
			assert.Equal(t, []string{"pending"}, got)
		} else {
			assert.Equal(t, []string{"committed"}, got)
		}
		// Queries outside the transaction never see its writes.
		assert.Equal(t, []string{"committed"}, labels(t, c, "SELECT label FROM Item"))

		require.NoError(t, tx.Commit())
		assert.Equal(t, []string{"pending"}, labels(t, view, "SELECT label FROM Item"))
		require.NoError(t, n.Close())
	}
}

func TestAtomicCacheRejectsTransactions(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	defer n.Close()
	conf := itemCache("atomic")
	conf.AtomicityMode = cache.Atomic
	c, err := n.GetOrCreateCache(conf)
	require.NoError(t, err)
	require.NoError(t, c.Put(1, item(1, "a")))

	tx, err := n.Transactions().Begin(txn.Optimistic, txn.RepeatableRead, 0)
	require.NoError(t, err)
	defer tx.Close()
	_, err = c.In(tx)
	assert.Equal(t, cache.ErrAtomicCacheInTx, errors.Cause(err))
}

func TestAsyncIndexFlush(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Query.IndexFlush = config.IndexFlushAsync
	n := startNode(t, conf)
	defer n.Close()
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)

	for i := int64(0); i < 20; i++ {
		require.NoError(t, c.Put(i, item(i, "same")))
	}
	cur, err := c.Query(query.NewSqlFieldsQuery("SELECT _key FROM Item WHERE label = 'same'"))
	require.NoError(t, err)
	assert.Len(t, cur.GetAll(), 20)
}

func TestReplicasHoldFullCopies(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Node.Replicas = 3
	n := startNode(t, conf)
	defer n.Close()
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	require.NoError(t, c.Put(7, item(7, "seven")))

	r := n.Replicas()
	require.NotNil(t, r)
	require.Equal(t, 3, r.Copies())
	for i := 0; i < r.Copies(); i++ {
		reader, err := r.ReplicaReader(i)
		require.NoError(t, err)
		iter := reader.IterCF(engine_util.CfWrite)
		iter.Seek(nil)
		assert.True(t, iter.Valid(), "replica %d", i)
		iter.Close()
		reader.Close()
	}
}

func TestDestroyCache(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	defer n.Close()
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	require.NoError(t, c.Put(1, item(1, "one")))

	require.NoError(t, n.DestroyCache("items"))
	assert.Empty(t, n.CacheNames())
	assert.Equal(t, ErrCacheNotFound, errors.Cause(n.DestroyCache("items")))

	fresh, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), fresh.ID())
	size, err := fresh.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestCloseIsIdempotent(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	tx, err := n.Transactions().Begin(txn.Pessimistic, txn.RepeatableRead, 0)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, txn.StateRolledBack, tx.State())
	_, err = n.GetOrCreateCache(itemCache("items"))
	assert.Equal(t, ErrNodeClosed, err)
}

func TestBadgerRestartRebuildsIndex(t *testing.T) {
	dir, err := ioutil.TempDir("", "txnprobe-node")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	conf := config.NewTestConfig()
	conf.Engine.Kind = config.EngineBadger
	conf.Engine.DBPath = dir
	conf.Engine.CompressValues = true

	n := startNode(t, conf)
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	require.NoError(t, c.Put(1, item(1, "first run")))
	lastTS := n.oracle.Last()
	require.NoError(t, n.Close())

	n = startNode(t, conf)
	defer n.Close()
	assert.True(t, n.oracle.Last() >= lastTS)
	c, err = n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	require.NoError(t, c.Put(2, item(2, "second run")))

	got := labels(t, c, "SELECT label FROM Item")
	assert.Equal(t, []string{"first run", "second run"}, got)
}

func TestConcurrentCommitsKeepTableInStep(t *testing.T) {
	for _, flush := range []string{config.IndexFlushSync, config.IndexFlushAsync} {
		conf := config.NewTestConfig()
		conf.Query.IndexFlush = flush
		n := startNode(t, conf)
		c, err := n.GetOrCreateCache(itemCache("items"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					tx, err := n.Transactions().Begin(txn.Optimistic, txn.RepeatableRead, 0)
					if !assert.NoError(t, err) {
						return
					}
					v, err := c.In(tx)
					assert.NoError(t, err)
					assert.NoError(t, v.Put(1, item(1, fmt.Sprintf("w%d-%d", w, i))))
					assert.NoError(t, tx.Commit())
				}
			}(w)
		}
		wg.Wait()

		stored, err := c.Get(1)
		require.NoError(t, err)
		label := stored.Datums()[1].GetString()
		assert.Equal(t, []string{label}, labels(t, c, "SELECT label FROM Item WHERE _key = 1"), flush)
		assert.Equal(t, []string{label}, labels(t, c, "SELECT label FROM Item WHERE label = ?", label), flush)
		assert.Equal(t, 1, c.Table().Len(), flush)
		require.NoError(t, n.Close())
	}
}

func TestUndecodableCommitMarksTableStale(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	defer n.Close()
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	require.NoError(t, c.Put(6, item(6, "six")))

	dropped := func() float64 {
		samples, err := metrics.Gather(prometheus.DefaultGatherer)
		require.NoError(t, err)
		return metrics.Value(samples, metrics.IndexDropped, "table", "Item")
	}
	before := dropped()

	tx, err := n.Transactions().Begin(txn.Optimistic, txn.RepeatableRead, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Put(c.ID(), codec.EncodeInt64Key(5), []byte{9, 9}))
	require.NoError(t, tx.Commit())
	assert.True(t, c.Table().Stale())
	assert.Equal(t, 1.0, dropped()-before)

	// The bad value is still committed, so the table cannot be rebuilt yet.
	_, err = c.Query(query.NewSqlFieldsQuery("SELECT label FROM Item"))
	assert.Error(t, err)
	assert.True(t, c.Table().Stale())

	require.NoError(t, c.Put(5, item(5, "five")))
	assert.Equal(t, []string{"five", "six"}, labels(t, c, "SELECT label FROM Item"))
	assert.False(t, c.Table().Stale())
}

func TestFailedStartReleasesReplicas(t *testing.T) {
	dir, err := ioutil.TempDir("", "txnprobe-node")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	conf := config.NewTestConfig()
	conf.Engine.Kind = config.EngineBadger
	conf.Engine.DBPath = dir
	conf.Node.Replicas = 2

	blocker := filepath.Join(dir, "replica-1")
	require.NoError(t, ioutil.WriteFile(blocker, []byte("not a directory"), 0644))
	_, err = Start(conf)
	require.Error(t, err)

	require.NoError(t, os.Remove(blocker))
	n := startNode(t, conf)
	require.NoError(t, n.Close())
}

func TestFractionalKeyComparisons(t *testing.T) {
	n := startNode(t, config.NewTestConfig())
	defer n.Close()
	c, err := n.GetOrCreateCache(itemCache("items"))
	require.NoError(t, err)
	require.NoError(t, c.Put(1, item(1, "one")))
	require.NoError(t, c.Put(2, item(2, "two")))

	assert.Empty(t, labels(t, c, "SELECT label FROM Item WHERE _key = 1.5"))
	assert.Equal(t, []string{"two"}, labels(t, c, "SELECT label FROM Item WHERE _key > 1.5"))
	assert.Empty(t, labels(t, c, "SELECT label FROM Item WHERE id = ?", 1.6))
	assert.Equal(t, []string{"one"}, labels(t, c, "SELECT label FROM Item WHERE id < ?", 1.6))
}
