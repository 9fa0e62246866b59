// Package schema describes the record types stored in indexed caches and how they are encoded.
package schema

import (
	"fmt"
	"math"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/sessionctx/stmtctx"
	"github.com/pingcap/tidb/types"
)

type FieldType int

const (
	TypeInt64 FieldType = iota + 1
	TypeString
	TypeFloat64
	TypeBool
)

func (t FieldType) String() string {
	switch t {
	case TypeInt64:
		return "BIGINT"
	case TypeString:
		return "VARCHAR"
	case TypeFloat64:
		return "DOUBLE"
	case TypeBool:
		return "BOOLEAN"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

const (
	KeyColumn   = "_key"
	ValueColumn = "_val"
)

// Column positions of the pseudo columns.
const (
	KeyPos   = -1
	ValuePos = -2
)

type Field struct {
	Name    string
	Type    FieldType
	Indexed bool
}

// Record is a value stored in an indexed cache. Datums returns one datum per entity field, in field order.
type Record interface {
	Datums() []types.Datum
}

// Row is the Record used when an entity has no constructor.
type Row []types.Datum

func (r Row) Datums() []types.Datum {
	return r
}

// Entity is the query-visible type of an indexed cache. Keys are always BIGINT and exposed as the _key column; the
// record itself is exposed as _val.
type Entity struct {
	TypeName string
	Fields   []Field
	// New builds a record from datums in field order. Nil means records decode to Row.
	New func(values []types.Datum) (Record, error)
}

type Column struct {
	Name string
	// Pos is the field offset, or KeyPos / ValuePos.
	Pos  int
	Type FieldType
}

var ErrUnknownColumn = errors.New("unknown column")

// Validate checks the entity is usable as a SQL table.
func (e *Entity) Validate() error {
	if e == nil {
		return errors.New("entity is nil")
	}
	if strings.TrimSpace(e.TypeName) == "" {
		return errors.New("entity type name must not be empty")
	}
	seen := make(map[string]struct{}, len(e.Fields))
	for _, f := range e.Fields {
		name := strings.ToLower(f.Name)
		if name == "" {
			return errors.Errorf("entity %s has a field without a name", e.TypeName)
		}
		if name == KeyColumn || name == ValueColumn {
			return errors.Errorf("entity %s: field name %s is reserved", e.TypeName, f.Name)
		}
		if _, ok := seen[name]; ok {
			return errors.Errorf("entity %s: duplicate field %s", e.TypeName, f.Name)
		}
		seen[name] = struct{}{}
		switch f.Type {
		case TypeInt64, TypeString, TypeFloat64, TypeBool:
		default:
			return errors.Errorf("entity %s: field %s has unknown type %v", e.TypeName, f.Name, f.Type)
		}
	}
	return nil
}

// Column resolves a column name, ignoring case.
func (e *Entity) Column(name string) (Column, error) {
	switch lower := strings.ToLower(name); lower {
	case KeyColumn:
		return Column{Name: KeyColumn, Pos: KeyPos, Type: TypeInt64}, nil
	case ValueColumn:
		return Column{Name: ValueColumn, Pos: ValuePos}, nil
	default:
		for i, f := range e.Fields {
			if strings.ToLower(f.Name) == lower {
				return Column{Name: f.Name, Pos: i, Type: f.Type}, nil
			}
		}
	}
	return Column{}, errors.Annotatef(ErrUnknownColumn, "%s.%s", e.TypeName, name)
}

// Columns lists the columns a SELECT * returns: _key followed by the declared fields.
func (e *Entity) Columns() []Column {
	cols := make([]Column, 0, len(e.Fields)+1)
	cols = append(cols, Column{Name: KeyColumn, Pos: KeyPos, Type: TypeInt64})
	for i, f := range e.Fields {
		cols = append(cols, Column{Name: f.Name, Pos: i, Type: f.Type})
	}
	return cols
}

// Equal reports whether two entities describe the same table.
func (e *Entity) Equal(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	if !strings.EqualFold(e.TypeName, other.TypeName) || len(e.Fields) != len(other.Fields) {
		return false
	}
	for i := range e.Fields {
		a, b := e.Fields[i], other.Fields[i]
		if !strings.EqualFold(a.Name, b.Name) || a.Type != b.Type || a.Indexed != b.Indexed {
			return false
		}
	}
	return true
}

// NonIntegral reports whether d is a float or decimal which has no exact int64 representation, either because it has
// a fractional part or because it is out of range. Such values must be compared with integer columns as they are.
func NonIntegral(d types.Datum) bool {
	var f float64
	switch d.Kind() {
	case types.KindFloat32, types.KindFloat64:
		f = d.GetFloat64()
	case types.KindMysqlDecimal:
		var err error
		if f, err = d.GetMysqlDecimal().ToFloat64(); err != nil {
			return true
		}
	default:
		return false
	}
	return f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64
}

// Coerce converts d to the representation used for fields of type t. Null stays null.
func Coerce(sc *stmtctx.StatementContext, t FieldType, d types.Datum) (types.Datum, error) {
	if d.IsNull() {
		return d, nil
	}
	switch t {
	case TypeInt64:
		if d.Kind() == types.KindInt64 {
			return d, nil
		}
		if d.Kind() == types.KindString || d.Kind() == types.KindBytes {
			return types.Datum{}, errors.Errorf("cannot use %q as %v", d.GetString(), t)
		}
		v, err := d.ToInt64(sc)
		if err != nil {
			return types.Datum{}, errors.Trace(err)
		}
		return types.NewIntDatum(v), nil
	case TypeBool:
		v, err := d.ToBool(sc)
		if err != nil {
			return types.Datum{}, errors.Trace(err)
		}
		return types.NewIntDatum(v), nil
	case TypeFloat64:
		v, err := d.ToFloat64(sc)
		if err != nil {
			return types.Datum{}, errors.Trace(err)
		}
		return types.NewFloat64Datum(v), nil
	case TypeString:
		v, err := d.ToString()
		if err != nil {
			return types.Datum{}, errors.Trace(err)
		}
		return types.NewStringDatum(v), nil
	}
	return types.Datum{}, errors.Errorf("unknown field type %v", t)
}

// Value converts a datum of a field of type t to a plain Go value: int64, string, float64, bool or nil.
func Value(t FieldType, d types.Datum) interface{} {
	if d.IsNull() {
		return nil
	}
	switch t {
	case TypeInt64:
		return d.GetInt64()
	case TypeString:
		return d.GetString()
	case TypeFloat64:
		return d.GetFloat64()
	case TypeBool:
		return d.GetInt64() != 0
	}
	return d.GetValue()
}
