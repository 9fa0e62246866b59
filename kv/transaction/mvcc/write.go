package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Write is a representation of a committed write to backing storage.
// A serialized version is stored in the "write" CF of our engine when a write is committed. That allows MvccTxn to find
// the status of a key at a given timestamp.
type Write struct {
	StartTS uint64
	Kind    WriteKind
}

func (wr *Write) ToBytes() []byte {
	buf := append([]byte{byte(wr.Kind)}, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(buf[1:], wr.StartTS)
	return buf
}

func ParseWrite(value []byte) (*Write, error) {
	if value == nil {
		return nil, nil
	}
	if len(value) != 9 {
		return nil, errors.Errorf("mvcc/write/ParseWrite: value is incorrect length, expected 9, found %d", len(value))
	}
	kind := WriteKind(value[0])
	if !kind.valid() {
		return nil, errors.Errorf("mvcc/write/ParseWrite: unknown write kind %d", value[0])
	}
	return &Write{StartTS: binary.BigEndian.Uint64(value[1:]), Kind: kind}, nil
}

type WriteKind int

const (
	WriteKindPut      WriteKind = 1
	WriteKindDelete   WriteKind = 2
	WriteKindRollback WriteKind = 3
	// WriteKindLock only appears in the lock CF, for keys locked by a pessimistic transaction which has not
	// decided what to write yet.
	WriteKindLock WriteKind = 4
)

func (wk WriteKind) valid() bool {
	return wk >= WriteKindPut && wk <= WriteKindLock
}

func (wk WriteKind) String() string {
	switch wk {
	case WriteKindPut:
		return "put"
	case WriteKindDelete:
		return "delete"
	case WriteKindRollback:
		return "rollback"
	case WriteKindLock:
		return "lock"
	}
	return "unknown"
}
