// Package cache implements named key/value caches of records with a SQL view.
package cache

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/index"
	"github.com/pingcap-incubator/txnprobe/kv/query"
	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap-incubator/txnprobe/kv/txn"
	"github.com/pingcap-incubator/txnprobe/kv/util/codec"
	"github.com/pingcap/errors"
)

var ErrAtomicCacheInTx = errors.New("ATOMIC cache cannot be used in a transaction")

// Options are the node-wide settings a cache needs.
type Options struct {
	// Compress stored values with snappy.
	Compress bool
	// Queries run inside a transaction also see its pending writes.
	TxAware bool
}

type Cache struct {
	id      uint32
	conf    Configuration
	opts    Options
	txns    *txn.Manager
	codec   *schema.Codec
	table   *index.Table
	flusher *index.Flusher
}

// New creates the cache handle. It does not load existing data, see Rebuild.
func New(id uint32, conf Configuration, opts Options, txns *txn.Manager, flusher *index.Flusher) *Cache {
	return &Cache{
		id:      id,
		conf:    conf,
		opts:    opts,
		txns:    txns,
		codec:   schema.NewCodec(conf.QueryEntity, opts.Compress),
		table:   index.NewTable(conf.QueryEntity),
		flusher: flusher,
	}
}

func (c *Cache) ID() uint32 {
	return c.id
}

func (c *Cache) Name() string {
	return c.conf.Name
}

func (c *Cache) Configuration() Configuration {
	return c.conf
}

// Table is the committed SQL view of the cache.
func (c *Cache) Table() *index.Table {
	return c.table
}

// Rebuild reloads the SQL table from the committed data in storage.
func (c *Cache) Rebuild() error {
	rows := 0
	err := c.flusher.Rebuild(c.table, func() ([]index.Mutation, error) {
		var muts []index.Mutation
		err := c.txns.ScanCommitted(c.id, func(key, value []byte) error {
			k, err := codec.DecodeInt64Key(key)
			if err != nil {
				return err
			}
			rec, err := c.codec.Decode(value)
			if err != nil {
				return errors.Annotatef(err, "cache %s key %d", c.conf.Name, k)
			}
			muts = append(muts, index.Mutation{Key: k, Record: rec})
			return nil
		})
		rows = len(muts)
		return muts, err
	})
	if err != nil {
		return err
	}
	if rows > 0 {
		log.Infof("cache %s: rebuilt SQL table with %d rows", c.conf.Name, rows)
	}
	return nil
}

// refresh brings the SQL table up to date before a query.
func (c *Cache) refresh() error {
	if err := c.flusher.WaitApplied(); err != nil {
		return err
	}
	if !c.table.Stale() {
		return nil
	}
	log.Warnf("cache %s: SQL table missed committed rows, rebuilding", c.conf.Name)
	return c.Rebuild()
}

// Apply hands the mutations of a commit which touched this cache to the index flusher.
func (c *Cache) Apply(commitTS uint64, muts []txn.Mutation) {
	rows := make([]index.Mutation, 0, len(muts))
	dropped := 0
	for _, m := range muts {
		key, err := codec.DecodeInt64Key(m.Key)
		if err != nil {
			log.Errorf("cache %s: bad key %q at %d: %v", c.conf.Name, m.Key, commitTS, err)
			dropped++
			continue
		}
		row := index.Mutation{Key: key}
		if !m.Delete {
			if row.Record, err = c.codec.Decode(m.Value); err != nil {
				log.Errorf("cache %s: cannot decode key %d at %d: %v", c.conf.Name, key, commitTS, err)
				dropped++
				continue
			}
		}
		rows = append(rows, row)
	}
	if dropped > 0 {
		c.table.Drop(dropped)
	}
	c.flusher.Submit(c.table, commitTS, rows)
}

// In binds the cache to an open transaction.
func (c *Cache) In(tx *txn.Txn) (*View, error) {
	if c.conf.AtomicityMode == Atomic {
		return nil, errors.Annotatef(ErrAtomicCacheInTx, "cache %s", c.conf.Name)
	}
	return &View{cache: c, tx: tx}, nil
}

// implicit runs fn in its own single-operation transaction.
func (c *Cache) implicit(fn func(v *View) error) error {
	tx, err := c.txns.Begin(txn.Optimistic, txn.ReadCommitted, 0)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := fn(&View{cache: c, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Cache) Put(key int64, rec schema.Record) error {
	return c.implicit(func(v *View) error { return v.Put(key, rec) })
}

func (c *Cache) Get(key int64) (rec schema.Record, err error) {
	err = c.implicit(func(v *View) error {
		rec, err = v.Get(key)
		return err
	})
	return
}

func (c *Cache) Remove(key int64) (removed bool, err error) {
	err = c.implicit(func(v *View) error {
		removed, err = v.Remove(key)
		return err
	})
	return
}

func (c *Cache) ContainsKey(key int64) (bool, error) {
	rec, err := c.Get(key)
	return rec != nil, err
}

// Size counts the committed entries.
func (c *Cache) Size() (int, error) {
	n := 0
	err := c.txns.ScanCommitted(c.id, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Query runs q against the committed SQL table.
func (c *Cache) Query(q *query.SqlFieldsQuery) (*query.Cursor, error) {
	if err := c.refresh(); err != nil {
		return nil, err
	}
	return query.Run(c.table, q, nil)
}

// View is a cache bound to a transaction.
type View struct {
	cache *Cache
	tx    *txn.Txn
}

func (v *View) Put(key int64, rec schema.Record) error {
	value, err := v.cache.codec.Encode(rec)
	if err != nil {
		return errors.Annotatef(err, "cache %s key %d", v.cache.conf.Name, key)
	}
	return v.tx.Put(v.cache.id, codec.EncodeInt64Key(key), value)
}

// Get returns the record at key, or nil when there is none.
func (v *View) Get(key int64) (schema.Record, error) {
	value, err := v.tx.Get(v.cache.id, codec.EncodeInt64Key(key))
	if err != nil || value == nil {
		return nil, err
	}
	return v.cache.codec.Decode(value)
}

// Remove deletes key and reports whether it existed.
func (v *View) Remove(key int64) (bool, error) {
	rec, err := v.Get(key)
	if err != nil || rec == nil {
		return false, err
	}
	return true, v.tx.Delete(v.cache.id, codec.EncodeInt64Key(key))
}

func (v *View) ContainsKey(key int64) (bool, error) {
	rec, err := v.Get(key)
	return rec != nil, err
}

// Query runs q from inside the transaction. The SQL table only holds committed rows, so the transaction's own
// writes are visible only when the cache is tx-aware.
func (v *View) Query(q *query.SqlFieldsQuery) (*query.Cursor, error) {
	if err := v.cache.refresh(); err != nil {
		return nil, err
	}
	if !v.cache.opts.TxAware {
		return query.Run(v.cache.table, q, nil)
	}
	pending := v.tx.Pending(v.cache.id)
	overlay := make(query.Overlay, len(pending))
	for _, m := range pending {
		key, err := codec.DecodeInt64Key(m.Key)
		if err != nil {
			return nil, err
		}
		if m.Delete {
			overlay[key] = nil
			continue
		}
		rec, err := v.cache.codec.Decode(m.Value)
		if err != nil {
			return nil, err
		}
		overlay[key] = rec
	}
	return query.Run(v.cache.table, q, overlay)
}
