// Package query runs SQL fields queries against the committed table of an indexed cache.
package query

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"
)

var (
	ErrUnsupportedQuery = errors.New("unsupported query")
	ErrUnknownTable     = errors.New("unknown table")
	ErrUnknownColumn    = errors.New("unknown column")
	ErrArgCount         = errors.New("wrong number of query arguments")
)

// SqlFieldsQuery is a SELECT statement returning a list of fields, with positional `?` arguments.
type SqlFieldsQuery struct {
	SQL  string
	Args []interface{}
}

func NewSqlFieldsQuery(sql string) *SqlFieldsQuery {
	return &SqlFieldsQuery{SQL: sql}
}

// SetArgs replaces the query arguments and returns the query for chaining.
func (q *SqlFieldsQuery) SetArgs(args ...interface{}) *SqlFieldsQuery {
	q.Args = args
	return q
}

func (q *SqlFieldsQuery) String() string {
	return fmt.Sprintf("SqlFieldsQuery [sql=%s, args=%v]", q.SQL, q.Args)
}

func argDatum(arg interface{}) (types.Datum, error) {
	switch v := arg.(type) {
	case nil:
		return types.Datum{}, nil
	case int:
		return types.NewIntDatum(int64(v)), nil
	case int8:
		return types.NewIntDatum(int64(v)), nil
	case int16:
		return types.NewIntDatum(int64(v)), nil
	case int32:
		return types.NewIntDatum(int64(v)), nil
	case int64:
		return types.NewIntDatum(v), nil
	case uint8:
		return types.NewIntDatum(int64(v)), nil
	case uint16:
		return types.NewIntDatum(int64(v)), nil
	case uint32:
		return types.NewIntDatum(int64(v)), nil
	case float32:
		return types.NewFloat64Datum(float64(v)), nil
	case float64:
		return types.NewFloat64Datum(v), nil
	case string:
		return types.NewStringDatum(v), nil
	case []byte:
		return types.NewStringDatum(string(v)), nil
	case bool:
		if v {
			return types.NewIntDatum(1), nil
		}
		return types.NewIntDatum(0), nil
	}
	return types.Datum{}, errors.Errorf("unsupported argument type %T", arg)
}
