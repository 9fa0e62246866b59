// Package index keeps the SQL view of an indexed cache: a table of committed rows plus one secondary index per
// indexed field. Tables only ever see committed data; a transaction's own writes reach them after it commits.
package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/sessionctx/stmtctx"
	"github.com/pingcap/tidb/types"
	"github.com/pingcap/tidb/util/codec"
	"go.uber.org/atomic"
)

const degree = 32

// Row is a committed record as seen by queries.
type Row struct {
	Key    int64
	Record schema.Record
	Values []types.Datum
}

// Mutation is a change to one row. A nil Record removes the row.
type Mutation struct {
	Key    int64
	Record schema.Record
}

// Bound is one end of a range. A nil *Bound means unbounded.
type Bound struct {
	Value     types.Datum
	Inclusive bool
}

type Table struct {
	entity *schema.Entity
	codec  *schema.Codec
	sc     *stmtctx.StatementContext

	mu      sync.RWMutex
	rows    *btree.BTree
	indexes map[int]*btree.BTree

	applied atomic.Uint64
	// stale is set when committed mutations could not be applied. The table must be rebuilt before it is read.
	stale atomic.Bool
}

func NewTable(e *schema.Entity) *Table {
	t := &Table{
		entity:  e,
		codec:   schema.NewCodec(e, false),
		sc:      &stmtctx.StatementContext{},
		rows:    btree.New(degree),
		indexes: make(map[int]*btree.BTree),
	}
	for i, f := range e.Fields {
		if f.Indexed {
			t.indexes[i] = btree.New(degree)
		}
	}
	return t
}

func (t *Table) Entity() *schema.Entity {
	return t.entity
}

// Indexed reports whether field pos has a secondary index.
func (t *Table) Indexed(pos int) bool {
	_, ok := t.indexes[pos]
	return ok
}

// Applied returns the highest commit timestamp applied to the table.
func (t *Table) Applied() uint64 {
	return t.applied.Load()
}

// Drop records that n committed mutations could not be applied and marks the table stale.
func (t *Table) Drop(n int) {
	metrics.IndexDroppedCounter.WithLabelValues(t.entity.TypeName).Add(float64(n))
	t.stale.Store(true)
}

// Stale reports whether mutations were dropped since the table was last rebuilt.
func (t *Table) Stale() bool {
	return t.stale.Load()
}

// Apply makes the mutations of one committed transaction visible.
func (t *Table) Apply(commitTS uint64, muts []Mutation) error {
	prepared := make([]Row, 0, len(muts))
	for _, m := range muts {
		row := Row{Key: m.Key, Record: m.Record}
		if m.Record != nil {
			values, err := t.codec.Normalize(m.Record)
			if err != nil {
				return errors.Annotatef(err, "apply key %d", m.Key)
			}
			row.Values = values
		}
		prepared = append(prepared, row)
	}

	t.mu.Lock()
	for _, row := range prepared {
		if old := t.rows.Get(rowItem{key: row.Key}); old != nil {
			t.unindex(old.(rowItem).row)
			t.rows.Delete(old)
		}
		if row.Record == nil {
			continue
		}
		t.rows.ReplaceOrInsert(rowItem{key: row.Key, row: row})
		if err := t.index(row); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.mu.Unlock()

	for {
		last := t.applied.Load()
		if commitTS <= last || t.applied.CAS(last, commitTS) {
			break
		}
	}
	metrics.IndexApplyCounter.WithLabelValues(t.entity.TypeName).Add(float64(len(muts)))
	log.Debugf("table %s applied %d mutations at %d", t.entity.TypeName, len(muts), commitTS)
	return nil
}

func (t *Table) index(row Row) error {
	for pos, tree := range t.indexes {
		enc, err := codec.EncodeKey(t.sc, nil, row.Values[pos], types.NewIntDatum(row.Key))
		if err != nil {
			return errors.Trace(err)
		}
		tree.ReplaceOrInsert(indexItem{enc: enc, key: row.Key, value: row.Values[pos]})
	}
	return nil
}

func (t *Table) unindex(row Row) {
	for pos, tree := range t.indexes {
		enc, err := codec.EncodeKey(t.sc, nil, row.Values[pos], types.NewIntDatum(row.Key))
		if err != nil {
			log.Warnf("table %s: cannot encode index entry of key %d: %v", t.entity.TypeName, row.Key, err)
			continue
		}
		tree.Delete(indexItem{enc: enc})
	}
}

// Get returns the committed row with key.
func (t *Table) Get(key int64) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item := t.rows.Get(rowItem{key: key})
	if item == nil {
		return Row{}, false
	}
	return item.(rowItem).row, true
}

// Seek returns the rows whose indexed field pos equals value, ordered by key.
func (t *Table) Seek(pos int, value types.Datum) ([]Row, error) {
	tree, ok := t.indexes[pos]
	if !ok {
		return nil, errors.Errorf("field %d of %s is not indexed", pos, t.entity.TypeName)
	}
	prefix, err := codec.EncodeKey(t.sc, nil, value)
	if err != nil {
		return nil, errors.Trace(err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var rows []Row
	tree.AscendGreaterOrEqual(indexItem{enc: prefix}, func(i btree.Item) bool {
		entry := i.(indexItem)
		if !bytes.HasPrefix(entry.enc, prefix) {
			return false
		}
		if row := t.rows.Get(rowItem{key: entry.key}); row != nil {
			rows = append(rows, row.(rowItem).row)
		}
		return true
	})
	return rows, nil
}

// Range returns the rows whose indexed field pos lies between lower and upper, ordered by field value.
func (t *Table) Range(pos int, lower, upper *Bound) ([]Row, error) {
	tree, ok := t.indexes[pos]
	if !ok {
		return nil, errors.Errorf("field %d of %s is not indexed", pos, t.entity.TypeName)
	}
	var start []byte
	if lower != nil {
		var err error
		if start, err = codec.EncodeKey(t.sc, nil, lower.Value); err != nil {
			return nil, errors.Trace(err)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		rows    []Row
		iterErr error
	)
	tree.AscendGreaterOrEqual(indexItem{enc: start}, func(i btree.Item) bool {
		entry := i.(indexItem)
		if entry.value.IsNull() {
			return true
		}
		if lower != nil {
			cmp, err := entry.value.CompareDatum(t.sc, &lower.Value)
			if err != nil {
				iterErr = err
				return false
			}
			if cmp < 0 || (cmp == 0 && !lower.Inclusive) {
				return true
			}
		}
		if upper != nil {
			cmp, err := entry.value.CompareDatum(t.sc, &upper.Value)
			if err != nil {
				iterErr = err
				return false
			}
			if cmp > 0 || (cmp == 0 && !upper.Inclusive) {
				return false
			}
		}
		if row := t.rows.Get(rowItem{key: entry.key}); row != nil {
			rows = append(rows, row.(rowItem).row)
		}
		return true
	})
	return rows, errors.Trace(iterErr)
}

// Scan calls fn for every row in key order until fn returns false.
func (t *Table) Scan(fn func(Row) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.rows.Ascend(func(i btree.Item) bool {
		return fn(i.(rowItem).row)
	})
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows.Len()
}

// Clear drops all rows and index entries.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows.Clear(false)
	for _, tree := range t.indexes {
		tree.Clear(false)
	}
}

type rowItem struct {
	key int64
	row Row
}

func (r rowItem) Less(than btree.Item) bool {
	return r.key < than.(rowItem).key
}

type indexItem struct {
	enc   []byte
	key   int64
	value types.Datum
}

func (i indexItem) Less(than btree.Item) bool {
	return bytes.Compare(i.enc, than.(indexItem).enc) < 0
}
