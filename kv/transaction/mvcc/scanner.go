package mvcc

import (
	"bytes"

	"github.com/pingcap-incubator/txnprobe/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// Scanner is used for reading multiple sequential key/value pairs from the storage layer. It is aware of the implementation
// of the storage layer and returns results suitable for users.
// Invariant: either the scanner is finished and cannot be used, or it is ready to return a value immediately.
type Scanner struct {
	writeIter engine_util.DBIterator
	txn       *RoTxn
	prefix    []byte
}

// NewScanner creates a new scanner over the user keys starting with prefix, as visible from the snapshot in txn.
func NewScanner(prefix []byte, txn *RoTxn) *Scanner {
	writeIter := txn.Reader.IterCF(engine_util.CfWrite)
	writeIter.Seek(EncodeKey(prefix, TsMax))
	return &Scanner{
		writeIter: writeIter,
		txn:       txn,
		prefix:    prefix,
	}
}

func (scan *Scanner) Close() {
	scan.writeIter.Close()
}

// Next returns the next key/value pair from the scanner. If the scanner is exhausted, then it will return `nil, nil, nil`.
func (scan *Scanner) Next() ([]byte, []byte, error) {
	for {
		if !scan.writeIter.Valid() {
			return nil, nil, nil
		}

		item := scan.writeIter.Item()
		userKey := DecodeUserKey(item.Key())
		if !bytes.HasPrefix(userKey, scan.prefix) {
			return nil, nil, nil
		}
		commitTs := decodeTimestamp(item.Key())

		if commitTs > scan.txn.StartTS {
			// Committed after our snapshot, skip to the versions visible to us.
			scan.writeIter.Seek(EncodeKey(userKey, scan.txn.StartTS))
			continue
		}

		writeValue, err := item.Value()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		write, err := ParseWrite(writeValue)
		if err != nil {
			return nil, nil, err
		}
		if write.Kind == WriteKindRollback {
			// Rollbacks hide nothing, an older version may still be visible.
			scan.writeIter.Next()
			continue
		}
		// Older versions of userKey are shadowed by this one.
		scan.writeIter.Seek(EncodeKey(userKey, 0))
		if scan.writeIter.Valid() && bytes.Equal(DecodeUserKey(scan.writeIter.Item().Key()), userKey) {
			scan.writeIter.Next()
		}
		if write.Kind != WriteKindPut {
			continue
		}
		value, err := scan.txn.getValue(userKey, write.StartTS)
		if err != nil {
			return nil, nil, err
		}
		return userKey, value, nil
	}
}
