package probe

import (
	"fmt"

	"github.com/pingcap-incubator/txnprobe/kv/cache"
	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"
)

// TestEntity is the record the probe writes. ID doubles as the cache key.
type TestEntity struct {
	ID   int64
	Name string
}

func (e *TestEntity) Datums() []types.Datum {
	return []types.Datum{types.NewIntDatum(e.ID), types.NewStringDatum(e.Name)}
}

func (e *TestEntity) String() string {
	return fmt.Sprintf("TestEntity(id=%d, name=%s)", e.ID, e.Name)
}

// Entity is the SQL type of TestEntity. Both fields are queryable but neither is indexed; lookups by key go through
// the _key column.
func Entity() *schema.Entity {
	return &schema.Entity{
		TypeName: "TestEntity",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeString},
		},
		New: func(values []types.Datum) (schema.Record, error) {
			if len(values) != 2 {
				return nil, errors.Errorf("TestEntity needs 2 values, got %d", len(values))
			}
			return &TestEntity{ID: values[0].GetInt64(), Name: values[1].GetString()}, nil
		},
	}
}

// CacheConfiguration describes the transactional, replicated cache the probe runs against.
func CacheConfiguration(name string) cache.Configuration {
	conf := cache.NewConfiguration(name)
	conf.AtomicityMode = cache.Transactional
	conf.Mode = cache.Replicated
	conf.QueryEntity = Entity()
	return conf
}
