package storage

import (
	"bytes"
	"sync"

	"github.com/coocood/badger/y"
	"github.com/google/btree"
	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap/errors"
)

const memDegree = 32

// MemStorage is a simple storage backed by memory. Data is not written to disk. Readers see a copy-on-write
// snapshot of every column family taken when the reader was created.
type MemStorage struct {
	mu  sync.Mutex
	cfs map[string]*btree.BTree
}

func NewMemStorage() *MemStorage {
	cfs := make(map[string]*btree.BTree, len(engine_util.CFs))
	for _, cf := range engine_util.CFs {
		cfs[cf] = btree.New(memDegree)
	}
	return &MemStorage{cfs: cfs}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) Reader() (StorageReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]*btree.BTree, len(s.cfs))
	for cf, tree := range s.cfs {
		snap[cf] = tree.Clone()
	}
	return &memReader{cfs: snap}, nil
}

func (s *MemStorage) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		tree, ok := s.cfs[m.Cf()]
		if !ok {
			return errors.Errorf("mem-storage: bad CF %s", m.Cf())
		}
		switch data := m.Data.(type) {
		case Put:
			tree.ReplaceOrInsert(memItem{key: data.Key, value: data.Value, fresh: false})
		case Delete:
			tree.Delete(memItem{key: data.Key})
		}
	}
	return nil
}

// Get returns the raw value stored at key in cf, bypassing snapshots.
func (s *MemStorage) Get(cf string, key []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.cfs[cf].Get(memItem{key: key})
	if result == nil {
		return nil
	}
	return result.(memItem).value
}

// Set stores a value directly. Values set this way are considered unchanged by HasChanged.
func (s *MemStorage) Set(cf string, key []byte, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfs[cf].ReplaceOrInsert(memItem{key: key, value: value, fresh: true})
}

// HasChanged reports whether key was written through Write (or removed) since it was last Set.
func (s *MemStorage) HasChanged(cf string, key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.cfs[cf].Get(memItem{key: key})
	if result == nil {
		return true
	}
	return !result.(memItem).fresh
}

func (s *MemStorage) Len(cf string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.cfs[cf]
	if !ok {
		return -1
	}
	return tree.Len()
}

// memReader is a StorageReader which reads from a MemStorage snapshot.
type memReader struct {
	cfs map[string]*btree.BTree
}

func (mr *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	tree, ok := mr.cfs[cf]
	if !ok {
		return nil, errors.Errorf("mem-storage: bad CF %s", cf)
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (mr *memReader) IterCF(cf string) engine_util.DBIterator {
	tree, ok := mr.cfs[cf]
	if !ok {
		return &memIter{data: btree.New(memDegree)}
	}
	it := &memIter{data: tree}
	if min := tree.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (mr *memReader) Close() {}

type memIter struct {
	data *btree.BTree
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(oldItem, func(item btree.Item) bool {
		// Skip the first item, which will be it.item
		if first {
			first = false
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item btree.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
	fresh bool
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, it.key)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return y.SafeCopy(dst, it.value), nil
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
