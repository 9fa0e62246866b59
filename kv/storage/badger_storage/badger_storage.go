package badger_storage

import (
	"github.com/coocood/badger"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/storage"
	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BadgerStorage is an implementation of `Storage` for a single node. All data is stored locally in one badger DB,
// column families are emulated with key prefixes.
type BadgerStorage struct {
	conf    config.Engine
	subPath string
	db      *badger.DB
}

func NewBadgerStorage(conf *config.Engine, subPath string) *BadgerStorage {
	return &BadgerStorage{conf: *conf, subPath: subPath}
}

func (s *BadgerStorage) Start() error {
	if s.db != nil {
		return nil
	}
	db, err := engine_util.CreateDB(s.subPath, &s.conf)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *BadgerStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

func (s *BadgerStorage) Reader() (storage.StorageReader, error) {
	if s.db == nil {
		return nil, errors.New("badger storage is not started")
	}
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

func (s *BadgerStorage) Write(batch []storage.Modify) error {
	if s.db == nil {
		return errors.New("badger storage is not started")
	}
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case storage.Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	return wb.WriteToDB(s.db)
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.Trace(err)
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
