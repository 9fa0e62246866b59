package storage

import (
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Replicated keeps a full copy of every write on each of its replicas. The first replica is the primary: it serves
// all reads and a write is only acknowledged once every replica has applied it.
type Replicated struct {
	replicas []Storage
}

// NewReplicated wraps primary and its backups. With no backups it behaves exactly like primary.
func NewReplicated(primary Storage, backups ...Storage) *Replicated {
	replicas := make([]Storage, 0, len(backups)+1)
	replicas = append(replicas, primary)
	replicas = append(replicas, backups...)
	return &Replicated{replicas: replicas}
}

// Start starts every replica. If one fails, the replicas already started are stopped again.
func (r *Replicated) Start() error {
	for i, s := range r.replicas {
		if err := s.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := r.replicas[j].Stop(); stopErr != nil {
					log.Errorf("stop replica %d after failed start: %v", j, stopErr)
				}
			}
			return errors.Annotatef(err, "start replica %d", i)
		}
	}
	return nil
}

// Stop stops every replica, returning the first error.
func (r *Replicated) Stop() error {
	var firstErr error
	for i, s := range r.replicas {
		if err := s.Stop(); err != nil {
			log.Errorf("stop replica %d: %v", i, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Replicated) Write(batch []Modify) error {
	if err := r.replicas[0].Write(batch); err != nil {
		return errors.Trace(err)
	}
	for i, s := range r.replicas[1:] {
		if err := s.Write(batch); err != nil {
			return errors.Annotatef(err, "replicate to backup %d", i+1)
		}
	}
	return nil
}

func (r *Replicated) Reader() (StorageReader, error) {
	return r.replicas[0].Reader()
}

// Copies is the number of replicas, including the primary.
func (r *Replicated) Copies() int {
	return len(r.replicas)
}

// ReplicaReader reads from replica i, where 0 is the primary.
func (r *Replicated) ReplicaReader(i int) (StorageReader, error) {
	if i < 0 || i >= len(r.replicas) {
		return nil, errors.Errorf("replica %d out of range [0, %d)", i, len(r.replicas))
	}
	return r.replicas[i].Reader()
}
