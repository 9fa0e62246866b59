package engine_util

import (
	"os"
	"path/filepath"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap/errors"
)

// CreateDB opens (creating if needed) a badger DB at subPath below the configured db path.
func CreateDB(subPath string, conf *config.Engine) (*badger.DB, error) {
	maxTableSize, err := conf.MaxTableBytes()
	if err != nil {
		return nil, err
	}
	vlogFileSize, err := conf.VlogFileBytes()
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = vlogFileSize
	opts.MaxTableSize = maxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.SyncWrites = conf.SyncWrite
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	log.Infof("opening badger engine at %s", opts.Dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", opts.Dir)
	}
	return db, nil
}
