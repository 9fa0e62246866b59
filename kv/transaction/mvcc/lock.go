package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/pingcap/errors"
)

const TsMax uint64 = ^uint64(0)

// Lock is stored in the lock CF under the unencoded user key. A key has at most one lock; its owner is identified by
// the start timestamp of the transaction which wrote it.
type Lock struct {
	Primary []byte
	Ts      uint64
	Ttl     uint64
	Kind    WriteKind
}

func (lock *Lock) ToBytes() []byte {
	buf := make([]byte, 0, len(lock.Primary)+17)
	buf = append(buf, lock.Primary...)
	buf = append(buf, byte(lock.Kind))
	buf = append(buf, make([]byte, 16)...)
	binary.BigEndian.PutUint64(buf[len(lock.Primary)+1:], lock.Ts)
	binary.BigEndian.PutUint64(buf[len(lock.Primary)+9:], lock.Ttl)
	return buf
}

// ParseLock attempts to parse a byte string into a Lock object.
func ParseLock(input []byte) (*Lock, error) {
	if len(input) < 17 {
		return nil, errors.Errorf("mvcc: error parsing lock, not enough input, found %d bytes", len(input))
	}

	primaryLen := len(input) - 17
	primary := append([]byte(nil), input[:primaryLen]...)
	kind := WriteKind(input[primaryLen])
	ts := binary.BigEndian.Uint64(input[primaryLen+1:])
	ttl := binary.BigEndian.Uint64(input[primaryLen+9:])

	return &Lock{Primary: primary, Ts: ts, Ttl: ttl, Kind: kind}, nil
}

// OwnedBy reports whether the lock was taken by the transaction with startTS.
func (lock *Lock) OwnedBy(startTS uint64) bool {
	return lock != nil && lock.Ts == startTS
}

// LockedError is returned when a key is locked by another transaction.
type LockedError struct {
	Key  []byte
	Lock *Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("key %q is locked by transaction started at %d", e.Key, e.Lock.Ts)
}
