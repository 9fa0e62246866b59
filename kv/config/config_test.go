package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	conf := NewDefaultConfig()
	require.NoError(t, conf.Validate())
	assert.Equal(t, EngineMemory, conf.Engine.Kind)
	assert.Equal(t, "testCache", conf.Probe.CacheName)
	assert.Equal(t, "optimistic", conf.Probe.Concurrency)
	assert.Equal(t, "repeatable-read", conf.Probe.Isolation)
	require.NoError(t, NewTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	conf := NewTestConfig()
	conf.Engine.Kind = "rocksdb"
	assert.Error(t, conf.Validate())

	conf = NewTestConfig()
	conf.Engine.Kind = EngineBadger
	conf.Engine.DBPath = ""
	assert.Error(t, conf.Validate())

	conf = NewTestConfig()
	conf.Engine.Kind = EngineBadger
	conf.Engine.MaxTableSize = "lots"
	assert.Error(t, conf.Validate())

	conf = NewTestConfig()
	conf.Node.Replicas = 0
	assert.Error(t, conf.Validate())

	conf = NewTestConfig()
	conf.Query.IndexFlush = "later"
	assert.Error(t, conf.Validate())

	conf = NewTestConfig()
	conf.Txn.LockWaitTimeout = Duration{}
	assert.Error(t, conf.Validate())
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "txnprobe-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "probe.toml")
	content := `
log-level = "debug"

[node]
replicas = 3

[engine]
kind = "badger"
db-path = "/var/lib/txnprobe"
max-table-size = "32MB"

[txn]
lock-wait-timeout = "750ms"

[query]
tx-aware = true
index-flush = "async"

[probe]
isolation = "serializable"
`
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	conf, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, conf.Validate())
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, 3, conf.Node.Replicas)
	assert.Equal(t, EngineBadger, conf.Engine.Kind)
	assert.Equal(t, 750*time.Millisecond, conf.Txn.LockWaitTimeout.Duration)
	assert.True(t, conf.Query.TxAware)
	assert.Equal(t, IndexFlushAsync, conf.Query.IndexFlush)
	assert.Equal(t, "serializable", conf.Probe.Isolation)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, "testCache", conf.Probe.CacheName)
	assert.Equal(t, "optimistic", conf.Probe.Concurrency)

	size, err := conf.Engine.MaxTableBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(32*1024*1024), size)
}

func TestLoadFileEmptyPath(t *testing.T) {
	conf, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig().Probe, conf.Probe)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/txnprobe.toml")
	assert.Error(t, err)
}
