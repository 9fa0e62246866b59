package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"` // Empty means stderr.

	Node   Node   `toml:"node"`
	Engine Engine `toml:"engine"`
	Txn    Txn    `toml:"txn"`
	Query  Query  `toml:"query"`
	Probe  Probe  `toml:"probe"`
}

type Node struct {
	Name string `toml:"name"`
	// A client node holds no data and needs server nodes to join; only server mode is embeddable.
	ClientMode bool `toml:"client-mode"`
	// Number of in-process copies kept for REPLICATED caches, including the primary.
	Replicas int `toml:"replicas"`
}

type Engine struct {
	// "memory" or "badger".
	Kind   string `toml:"kind"`
	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	ValueThreshold int    `toml:"value-threshold"` // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize   string `toml:"max-table-size"`  // Each table is at most this size, e.g. "64MB".
	VlogFileSize   string `toml:"vlog-file-size"`  // Value log file size, e.g. "256MB".
	NumMemTables   int    `toml:"num-mem-tables"`  // Maximum number of tables to keep in memory, before stalling.
	NumCompactors  int    `toml:"num-compactors"`
	SyncWrite      bool   `toml:"sync-write"`

	// Compress encoded records with snappy before they reach the engine.
	CompressValues bool `toml:"compress-values"`
}

type Txn struct {
	DefaultConcurrency string   `toml:"default-concurrency"`
	DefaultIsolation   string   `toml:"default-isolation"`
	DefaultTimeout     Duration `toml:"default-timeout"` // Zero means no timeout.
	LockWaitTimeout    Duration `toml:"lock-wait-timeout"`
}

type Query struct {
	// When set, SQL queries run inside a transaction also see that transaction's pending writes.
	TxAware bool `toml:"tx-aware"`
	// "sync" applies index updates inside commit, "async" hands them to a background flusher.
	IndexFlush string `toml:"index-flush"`
	// How long a query waits for the async flusher to catch up with the latest commit.
	FlushWaitTimeout Duration `toml:"flush-wait-timeout"`
}

type Probe struct {
	CacheName   string `toml:"cache-name"`
	EntityName  string `toml:"entity-name"`
	Concurrency string `toml:"concurrency"`
	Isolation   string `toml:"isolation"`
}

// Duration is a time.Duration which decodes from toml strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	EngineMemory = "memory"
	EngineBadger = "badger"

	IndexFlushSync  = "sync"
	IndexFlushAsync = "async"
)

func (c *Config) Validate() error {
	switch c.Engine.Kind {
	case EngineMemory:
	case EngineBadger:
		if c.Engine.DBPath == "" {
			return errors.New("engine db-path must be set for the badger engine")
		}
		if _, err := c.Engine.MaxTableBytes(); err != nil {
			return err
		}
		if _, err := c.Engine.VlogFileBytes(); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown engine kind %q", c.Engine.Kind)
	}

	if c.Node.Replicas < 1 {
		return errors.Errorf("replicas must be at least 1, got %d", c.Node.Replicas)
	}

	switch c.Query.IndexFlush {
	case IndexFlushSync, IndexFlushAsync:
	default:
		return errors.Errorf("unknown index flush mode %q", c.Query.IndexFlush)
	}

	if c.Txn.LockWaitTimeout.Duration <= 0 {
		return errors.New("lock wait timeout must be greater than 0")
	}
	if c.Txn.DefaultTimeout.Duration < 0 {
		return errors.New("default transaction timeout must not be negative")
	}
	if c.Txn.DefaultTimeout.Duration > 0 && c.Txn.DefaultTimeout.Duration < c.Txn.LockWaitTimeout.Duration {
		log.Warnf("transaction timeout %v is shorter than lock wait timeout %v, "+
			"pessimistic transactions may time out while waiting for locks.",
			c.Txn.DefaultTimeout.Duration, c.Txn.LockWaitTimeout.Duration)
	}

	if c.Probe.CacheName == "" {
		return errors.New("probe cache name must not be empty")
	}
	return nil
}

// MaxTableBytes parses MaxTableSize.
func (e *Engine) MaxTableBytes() (int64, error) {
	return parseSize("max-table-size", e.MaxTableSize)
}

// VlogFileBytes parses VlogFileSize.
func (e *Engine) VlogFileBytes() (int64, error) {
	return parseSize("vlog-file-size", e.VlogFileSize)
}

func parseSize(name, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid %s", name)
	}
	return n, nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Node: Node{
			Name:     "txnprobe",
			Replicas: 1,
		},
		Engine: Engine{
			Kind:           EngineMemory,
			DBPath:         "/tmp/txnprobe",
			ValueThreshold: 256,
			MaxTableSize:   "64MB",
			VlogFileSize:   "256MB",
			NumMemTables:   3,
			NumCompactors:  1,
			SyncWrite:      true,
		},
		Txn: Txn{
			DefaultConcurrency: "optimistic",
			DefaultIsolation:   "repeatable-read",
			LockWaitTimeout:    Duration{3 * time.Second},
		},
		Query: Query{
			IndexFlush:       IndexFlushSync,
			FlushWaitTimeout: Duration{5 * time.Second},
		},
		Probe: Probe{
			CacheName:   "testCache",
			EntityName:  "Test Entity",
			Concurrency: "optimistic",
			Isolation:   "repeatable-read",
		},
	}
}

func NewTestConfig() *Config {
	conf := NewDefaultConfig()
	conf.Txn.LockWaitTimeout = Duration{200 * time.Millisecond}
	conf.Query.FlushWaitTimeout = Duration{time.Second}
	conf.Engine.SyncWrite = false
	return conf
}

// LoadFile overlays the toml file at path onto the default configuration.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path == "" {
		return conf, nil
	}
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.Warnf("unknown config keys ignored: %s", strings.Join(keys, ", "))
	}
	return conf, nil
}
