// Package node starts an embedded server node: storage, transactions and the caches living on them.
package node

import (
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/cache"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/index"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/storage"
	"github.com/pingcap-incubator/txnprobe/kv/storage/badger_storage"
	"github.com/pingcap-incubator/txnprobe/kv/tso"
	"github.com/pingcap-incubator/txnprobe/kv/txn"
	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNoServerNodes       = errors.New("client node cannot start without server nodes")
	ErrCacheConfigMismatch = errors.New("cache already exists with a different configuration")
	ErrCacheNotFound       = errors.New("cache not found")
	ErrNodeClosed          = errors.New("node is closed")
)

const (
	cacheIDPrefix = "cache-id/"
	nextIDKey     = "next-cache-id"

	metaCF = engine_util.CfMeta
)

type Node struct {
	conf    *config.Config
	storage storage.Storage
	replica *storage.Replicated
	oracle  *tso.Oracle
	txns    *txn.Manager
	flusher *index.Flusher

	mu     sync.Mutex
	caches map[string]*cache.Cache
	byID   map[uint32]*cache.Cache
	closed bool
}

// Start opens the node's storage and recovers the transaction state found there.
func Start(conf *config.Config) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.Node.ClientMode {
		return nil, ErrNoServerNodes
	}

	st, replica := openStorage(conf)
	if err := st.Start(); err != nil {
		return nil, errors.Annotate(err, "start storage")
	}

	n := &Node{
		conf:    conf,
		storage: st,
		replica: replica,
		oracle:  tso.NewOracle(),
		flusher: index.NewFlusher(&conf.Query),
		caches:  make(map[string]*cache.Cache),
		byID:    make(map[uint32]*cache.Cache),
	}
	n.txns = txn.NewManager(st, n.oracle, &conf.Txn)
	n.txns.OnCommit(n.dispatch)
	if err := n.txns.Recover(); err != nil {
		n.flusher.Stop()
		st.Stop()
		return nil, err
	}
	log.Infof("node %s started, engine %s, %d replicas, index flush %s",
		conf.Node.Name, conf.Engine.Kind, conf.Node.Replicas, conf.Query.IndexFlush)
	return n, nil
}

func openStorage(conf *config.Config) (storage.Storage, *storage.Replicated) {
	open := func(i int) storage.Storage {
		if conf.Engine.Kind == config.EngineMemory {
			return storage.NewMemStorage()
		}
		sub := "primary"
		if i > 0 {
			sub = "replica-" + strconv.Itoa(i)
		}
		return badger_storage.NewBadgerStorage(&conf.Engine, sub)
	}
	primary := open(0)
	if conf.Node.Replicas == 1 {
		return primary, nil
	}
	backups := make([]storage.Storage, 0, conf.Node.Replicas-1)
	for i := 1; i < conf.Node.Replicas; i++ {
		backups = append(backups, open(i))
	}
	r := storage.NewReplicated(primary, backups...)
	return r, r
}

func (n *Node) Config() *config.Config {
	return n.conf
}

// Transactions returns the node's transaction manager.
func (n *Node) Transactions() *txn.Manager {
	return n.txns
}

// Replicas returns the replicated storage, or nil when the node keeps a single copy.
func (n *Node) Replicas() *storage.Replicated {
	return n.replica
}

// GetOrCreateCache returns the cache named in conf, creating it if needed. An existing cache must have been created
// with an equal configuration.
func (n *Node) GetOrCreateCache(conf cache.Configuration) (*cache.Cache, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	if c, ok := n.caches[conf.Name]; ok {
		existing := c.Configuration()
		if !existing.Equal(&conf) {
			return nil, errors.Annotatef(ErrCacheConfigMismatch, "cache %s", conf.Name)
		}
		return c, nil
	}
	if conf.Mode == cache.Partitioned && conf.Backups >= n.conf.Node.Replicas {
		log.Warnf("cache %s asks for %d backups but the node keeps %d copies", conf.Name, conf.Backups, n.conf.Node.Replicas)
	}

	id, err := n.cacheID(conf.Name)
	if err != nil {
		return nil, err
	}
	c := cache.New(id, conf, cache.Options{
		Compress: n.conf.Engine.CompressValues,
		TxAware:  n.conf.Query.TxAware,
	}, n.txns, n.flusher)
	if err := c.Rebuild(); err != nil {
		return nil, err
	}
	n.caches[conf.Name] = c
	n.byID[id] = c
	log.Infof("cache %s ready, id %d, %s %s", conf.Name, id, conf.AtomicityMode, conf.Mode)
	return c, nil
}

// cacheID returns the id recorded for name, allocating one on first use.
func (n *Node) cacheID(name string) (uint32, error) {
	reader, err := n.storage.Reader()
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer reader.Close()

	val, err := reader.GetCF(metaCF, []byte(cacheIDPrefix+name))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if val != nil {
		return binary.BigEndian.Uint32(val), nil
	}

	next, err := reader.GetCF(metaCF, []byte(nextIDKey))
	if err != nil {
		return 0, errors.Trace(err)
	}
	id := uint32(1)
	if next != nil {
		id = binary.BigEndian.Uint32(next)
	}
	idBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idBytes, id)
	nextBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(nextBytes, id+1)
	err = n.storage.Write([]storage.Modify{
		{Data: storage.Put{Key: []byte(cacheIDPrefix + name), Value: idBytes, Cf: metaCF}},
		{Data: storage.Put{Key: []byte(nextIDKey), Value: nextBytes, Cf: metaCF}},
	})
	return id, errors.Trace(err)
}

// Cache returns an existing cache.
func (n *Node) Cache(name string) (*cache.Cache, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.caches[name]
	if !ok {
		return nil, errors.Annotatef(ErrCacheNotFound, "cache %s", name)
	}
	return c, nil
}

func (n *Node) CacheNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.caches))
	for name := range n.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DestroyCache removes a cache and all of its data.
func (n *Node) DestroyCache(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.caches[name]
	if !ok {
		return errors.Annotatef(ErrCacheNotFound, "cache %s", name)
	}
	if err := n.flusher.WaitApplied(); err != nil {
		return err
	}
	if err := n.txns.DeleteSpace(c.ID()); err != nil {
		return err
	}
	if err := n.storage.Write([]storage.Modify{
		{Data: storage.Delete{Key: []byte(cacheIDPrefix + name), Cf: metaCF}},
	}); err != nil {
		return errors.Trace(err)
	}
	delete(n.caches, name)
	delete(n.byID, c.ID())
	log.Infof("cache %s destroyed", name)
	return nil
}

// dispatch routes the mutations of a commit to the caches they belong to.
func (n *Node) dispatch(commitTS uint64, muts []txn.Mutation) {
	bySpace := make(map[uint32][]txn.Mutation)
	for _, m := range muts {
		bySpace[m.Space] = append(bySpace[m.Space], m)
	}
	n.mu.Lock()
	targets := make(map[*cache.Cache][]txn.Mutation, len(bySpace))
	for space, ms := range bySpace {
		if c, ok := n.byID[space]; ok {
			targets[c] = ms
		}
	}
	n.mu.Unlock()
	for c, ms := range targets {
		c.Apply(commitTS, ms)
	}
}

// Close rolls back open transactions, drains the index flusher and stops storage. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.txns.Close()
	n.flusher.Stop()
	if err := n.storage.Stop(); err != nil {
		return errors.Annotate(err, "stop storage")
	}
	samples, err := metrics.Gather(prometheus.DefaultGatherer)
	if err != nil {
		log.Warnf("gather metrics: %v", err)
	}
	log.Infof("node %s stopped, process totals: %v committed, %v rolled back, %v conflicting transactions",
		n.conf.Node.Name,
		metrics.Value(samples, metrics.TxnFinished, "result", metrics.ResultCommitted),
		metrics.Value(samples, metrics.TxnFinished, "result", metrics.ResultRolledBack),
		metrics.Value(samples, metrics.TxnFinished, "result", metrics.ResultConflict))
	return nil
}
