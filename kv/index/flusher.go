package index

import (
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/util/worker"
	"github.com/pingcap/errors"
)

var ErrFlushTimeout = errors.New("timed out waiting for index flush")

// Flusher moves committed mutations into tables. In sync mode a batch is applied before Submit returns, so a commit
// is visible to SQL as soon as it finishes. In async mode batches are applied by a background worker in submission
// order and readers call WaitApplied to catch up.
type Flusher struct {
	mode        string
	waitTimeout time.Duration

	worker *worker.Worker
	wg     sync.WaitGroup

	mu        sync.Mutex
	syncMu    sync.Mutex
	submitted uint64
	// flushed is the highest sequence number such that every batch up to it is applied.
	flushed uint64
	// done holds applied sequence numbers above flushed.
	done    map[uint64]struct{}
	notify  chan struct{}
	stopped bool
}

type flushTask struct {
	seq      uint64
	table    *Table
	commitTS uint64
	muts     []Mutation
}

type rebuildTask struct {
	table *Table
	load  func() ([]Mutation, error)
	errCh chan error
}

func NewFlusher(conf *config.Query) *Flusher {
	f := &Flusher{
		mode:        conf.IndexFlush,
		waitTimeout: conf.FlushWaitTimeout.Duration,
		done:        make(map[uint64]struct{}),
		notify:      make(chan struct{}),
	}
	if f.mode == config.IndexFlushAsync {
		f.worker = worker.NewWorker("index-flusher", &f.wg)
		f.worker.Start(f)
	}
	return f
}

func (f *Flusher) Mode() string {
	return f.mode
}

// Submit hands the mutations of one commit to the flusher.
func (f *Flusher) Submit(table *Table, commitTS uint64, muts []Mutation) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		log.Warnf("index flusher stopped, dropping %d mutations of %s at %d", len(muts), table.entity.TypeName, commitTS)
		return
	}
	f.submitted++
	task := flushTask{seq: f.submitted, table: table, commitTS: commitTS, muts: muts}
	f.mu.Unlock()
	metrics.IndexPendingGauge.Inc()

	if f.worker == nil {
		f.syncMu.Lock()
		f.apply(task)
		f.syncMu.Unlock()
		return
	}
	f.worker.Sender() <- task
}

// Rebuild replaces the content of table with the mutations returned by load. It runs in order with submitted
// batches: load sees every commit whose batch was submitted before, and batches submitted later are applied after.
func (f *Flusher) Rebuild(table *Table, load func() ([]Mutation, error)) error {
	task := rebuildTask{table: table, load: load, errCh: make(chan error, 1)}
	f.mu.Lock()
	async := f.worker != nil && !f.stopped
	f.mu.Unlock()
	if !async {
		f.syncMu.Lock()
		f.rebuild(task)
		f.syncMu.Unlock()
		return <-task.errCh
	}
	f.worker.Sender() <- task
	timer := time.NewTimer(f.waitTimeout)
	defer timer.Stop()
	select {
	case err := <-task.errCh:
		return err
	case <-timer.C:
		return errors.Annotatef(ErrFlushTimeout, "waited %v to rebuild %s", f.waitTimeout, table.entity.TypeName)
	}
}

// Handle implements worker.TaskHandler.
func (f *Flusher) Handle(t worker.Task) {
	switch task := t.(type) {
	case flushTask:
		f.apply(task)
	case rebuildTask:
		f.rebuild(task)
	}
}

func (f *Flusher) apply(task flushTask) {
	if err := task.table.Apply(task.commitTS, task.muts); err != nil {
		log.Errorf("apply %d mutations to %s at %d: %v", len(task.muts), task.table.entity.TypeName, task.commitTS, err)
		task.table.Drop(len(task.muts))
	}
	metrics.IndexPendingGauge.Dec()

	f.mu.Lock()
	f.done[task.seq] = struct{}{}
	for {
		if _, ok := f.done[f.flushed+1]; !ok {
			break
		}
		delete(f.done, f.flushed+1)
		f.flushed++
	}
	close(f.notify)
	f.notify = make(chan struct{})
	f.mu.Unlock()
}

func (f *Flusher) rebuild(task rebuildTask) {
	task.table.stale.Store(false)
	muts, err := task.load()
	if err != nil {
		task.table.stale.Store(true)
		task.errCh <- err
		return
	}
	task.table.Clear()
	if err := task.table.Apply(0, muts); err != nil {
		task.table.stale.Store(true)
		task.errCh <- err
		return
	}
	task.errCh <- nil
}

// WaitApplied blocks until every batch submitted before the call has been applied.
func (f *Flusher) WaitApplied() error {
	f.mu.Lock()
	target := f.submitted
	f.mu.Unlock()

	timer := time.NewTimer(f.waitTimeout)
	defer timer.Stop()
	for {
		f.mu.Lock()
		if f.flushed >= target {
			f.mu.Unlock()
			return nil
		}
		ch := f.notify
		f.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return errors.Annotatef(ErrFlushTimeout, "waited %v for batch %d", f.waitTimeout, target)
		}
	}
}

// Pending returns the number of submitted batches not applied yet.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.submitted - f.flushed)
}

// Stop drains queued batches and stops the worker. Later submissions are dropped.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.mu.Unlock()
	if f.worker != nil {
		f.worker.Stop()
		f.wg.Wait()
	}
}
