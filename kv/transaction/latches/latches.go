package latches

import (
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"
)

// Latching makes a commit atomic with respect to other commits. Two transactions committing overlapping keys must not
// interleave their lock checks and writes, otherwise both could pass validation and the second write would silently
// win. By latching every key a commit will write (and validate), we ensure that such commits run one after the other.
//
// A latch is a slot in a fixed-size table. Keys are hashed into slots with farmhash, so unrelated keys may
// occasionally share a slot; that only costs some waiting, never correctness. Only one thread can hold a slot at a
// time and all slots a commit needs are taken at once.
//
// Each held slot points to the WaitGroup of its holder. Threads who find a slot taken wait on that WaitGroup and
// then retry. Access to the table is guarded by a single mutex.

const defaultSlots = 2048

type Latches struct {
	slots      []*sync.WaitGroup
	latchGuard sync.Mutex
	// An optional validation function, only used for testing. It is called with the keys of a successful acquire.
	Validation func(keys [][]byte)
}

// NewLatches creates a new Latches object for managing a node's latches. There should only be one such object, shared
// between all threads.
func NewLatches() *Latches {
	return NewLatchesWithSlots(defaultSlots)
}

func NewLatchesWithSlots(n int) *Latches {
	if n <= 0 {
		n = defaultSlots
	}
	return &Latches{slots: make([]*sync.WaitGroup, n)}
}

func (l *Latches) slotsFor(keys [][]byte) []int {
	ids := make([]int, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, int(farm.Fingerprint64(key)%uint64(len(l.slots))))
	}
	sort.Ints(ids)
	dedup := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			dedup = append(dedup, id)
		}
	}
	return dedup
}

// AcquireLatches tries lock all Latches specified by keys. If this succeeds, nil is returned. If any of the keys are
// locked, then AcquireLatches returns a WaitGroup which the thread can use to be woken when the lock is free.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	ids := l.slotsFor(keysToLatch)

	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, id := range ids {
		if wg := l.slots[id]; wg != nil {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, id := range ids {
		l.slots[id] = wg
	}
	if l.Validation != nil {
		l.Validation(keysToLatch)
	}
	return nil
}

// ReleaseLatches releases the latches for all keys in keysToUnlatch. It will wakeup any threads blocked on one of the
// latches. All keys in keysToUnlatch must have been locked together in one call to AcquireLatches.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	ids := l.slotsFor(keysToUnlatch)

	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	var holder *sync.WaitGroup
	for _, id := range ids {
		if holder == nil {
			holder = l.slots[id]
		}
		l.slots[id] = nil
	}
	if holder != nil {
		holder.Done()
	}
}

// WaitForLatches attempts to lock all keys in keysToLatch using AcquireLatches. If a latch is already locked, then
// WaitForLatches will wait for it to become unlocked then try again. Therefore WaitForLatches may block for an unbounded
// length of time.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}
