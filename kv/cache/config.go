package cache

import (
	"strings"

	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap/errors"
)

type AtomicityMode int

const (
	// Atomic caches apply every operation on its own and cannot take part in transactions.
	Atomic AtomicityMode = iota
	Transactional
)

func (m AtomicityMode) String() string {
	if m == Transactional {
		return "TRANSACTIONAL"
	}
	return "ATOMIC"
}

type Mode int

const (
	Partitioned Mode = iota
	Replicated
	Local
)

func (m Mode) String() string {
	switch m {
	case Replicated:
		return "REPLICATED"
	case Local:
		return "LOCAL"
	}
	return "PARTITIONED"
}

// Configuration describes a cache. Keys are int64; values are records of QueryEntity.
type Configuration struct {
	Name          string
	AtomicityMode AtomicityMode
	Mode          Mode
	// Number of backup copies of a PARTITIONED cache. REPLICATED caches are copied to every replica.
	Backups     int
	QueryEntity *schema.Entity
}

func NewConfiguration(name string) Configuration {
	return Configuration{Name: name}
}

func (c *Configuration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("cache name must not be empty")
	}
	if c.Backups < 0 {
		return errors.Errorf("cache %s: backups must not be negative", c.Name)
	}
	if c.QueryEntity == nil {
		return errors.Errorf("cache %s: query entity is required", c.Name)
	}
	return errors.Annotatef(c.QueryEntity.Validate(), "cache %s", c.Name)
}

// Equal reports whether two configurations describe the same cache.
func (c *Configuration) Equal(other *Configuration) bool {
	return c.Name == other.Name &&
		c.AtomicityMode == other.AtomicityMode &&
		c.Mode == other.Mode &&
		c.Backups == other.Backups &&
		c.QueryEntity.Equal(other.QueryEntity)
}
