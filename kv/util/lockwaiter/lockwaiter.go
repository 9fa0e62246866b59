package lockwaiter

import (
	"sync"
	"time"

	farm "github.com/dgryski/go-farm"
	"github.com/ngaut/log"
)

// Manager parks transactions which found a key locked by another transaction until that transaction releases its
// locks or the wait times out.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[uint64]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[uint64]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// getReadyWaiters returns the waiters blocked on one of keyHashes and removes them from the queue.
// It should be used under map lock protection.
func (q *queue) getReadyWaiters(keyHashes map[uint64]struct{}) (readyWaiters []*Waiter, remainSize int) {
	remained := q.waiters[:0]
	for _, w := range q.waiters {
		if _, ok := keyHashes[w.KeyHash]; ok {
			readyWaiters = append(readyWaiters, w)
		} else {
			remained = append(remained, w)
		}
	}
	q.waiters = remained
	return readyWaiters, len(remained)
}

// removeWaiter removes the correspond waiter from pending array.
// It should be used under map lock protection.
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	timeout time.Duration
	ch      chan WaitResult
	startTS uint64
	LockTS  uint64
	KeyHash uint64
}

type Position int

type WaitResult struct {
	Position Position
	// CommitTS is the commit timestamp of the lock owner, or 0 if it rolled back.
	CommitTS uint64
}

const WaitTimeout Position = -1

// Wait blocks until the waiter is woken up or its timeout expires.
func (w *Waiter) Wait() WaitResult {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return WaitResult{Position: WaitTimeout}
	case result := <-w.ch:
		return result
	}
}

// KeyHash hashes a key the way waiters and WakeUp expect.
func KeyHash(key []byte) uint64 {
	return farm.Fingerprint64(key)
}

// NewWaiter registers a waiter for the lock on keyHash owned by the transaction started at lockTS.
func (lw *Manager) NewWaiter(startTS, lockTS, keyHash uint64, timeout time.Duration) *Waiter {
	waiter := &Waiter{
		timeout: timeout,
		ch:      make(chan WaitResult, 1),
		startTS: startTS,
		LockTS:  lockTS,
		KeyHash: keyHash,
	}
	lw.mu.Lock()
	q, ok := lw.waitingQueues[lockTS]
	if !ok {
		q = &queue{waiters: make([]*Waiter, 0, 8)}
		lw.waitingQueues[lockTS] = q
	}
	q.waiters = append(q.waiters, waiter)
	lw.mu.Unlock()
	return waiter
}

// WakeUp wakes up waiters that waiting on the transaction.
func (lw *Manager) WakeUp(txn, commitTS uint64, keyHashes []uint64) {
	hashes := make(map[uint64]struct{}, len(keyHashes))
	for _, h := range keyHashes {
		hashes[h] = struct{}{}
	}

	var waiters []*Waiter
	lw.mu.Lock()
	if q := lw.waitingQueues[txn]; q != nil {
		var remainSize int
		waiters, remainSize = q.getReadyWaiters(hashes)
		if remainSize == 0 {
			delete(lw.waitingQueues, txn)
		}
	}
	lw.mu.Unlock()

	for i, w := range waiters {
		w.ch <- WaitResult{Position: Position(i), CommitTS: commitTS}
	}
	if len(waiters) > 0 {
		log.Debugf("wakeup %d txns blocked by txn %d", len(waiters), txn)
	}
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.LockTS]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.LockTS)
		}
	}
	lw.mu.Unlock()
}

// Waiting returns the number of parked waiters.
func (lw *Manager) Waiting() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := 0
	for _, q := range lw.waitingQueues {
		n += len(q.waiters)
	}
	return n
}
