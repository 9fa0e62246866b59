package schema

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/sessionctx/stmtctx"
	"github.com/pingcap/tidb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	ID     int64
	Name   string
	Score  float64
	Active bool
}

func (p *person) Datums() []types.Datum {
	active := int64(0)
	if p.Active {
		active = 1
	}
	return []types.Datum{
		types.NewIntDatum(p.ID),
		types.NewStringDatum(p.Name),
		types.NewFloat64Datum(p.Score),
		types.NewIntDatum(active),
	}
}

func personEntity() *Entity {
	return &Entity{
		TypeName: "Person",
		Fields: []Field{
			{Name: "id", Type: TypeInt64},
			{Name: "name", Type: TypeString, Indexed: true},
			{Name: "score", Type: TypeFloat64},
			{Name: "active", Type: TypeBool},
		},
		New: func(values []types.Datum) (Record, error) {
			return &person{
				ID:     values[0].GetInt64(),
				Name:   values[1].GetString(),
				Score:  values[2].GetFloat64(),
				Active: values[3].GetInt64() != 0,
			}, nil
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, personEntity().Validate())

	e := personEntity()
	e.TypeName = " "
	assert.Error(t, e.Validate())

	e = personEntity()
	e.Fields = append(e.Fields, Field{Name: "NAME", Type: TypeString})
	assert.Error(t, e.Validate())

	e = personEntity()
	e.Fields[0].Name = "_key"
	assert.Error(t, e.Validate())

	e = personEntity()
	e.Fields[0].Type = FieldType(42)
	assert.Error(t, e.Validate())

	var nilEntity *Entity
	assert.Error(t, nilEntity.Validate())
}

func TestColumn(t *testing.T) {
	e := personEntity()
	col, err := e.Column("_KEY")
	require.NoError(t, err)
	assert.Equal(t, KeyPos, col.Pos)
	assert.Equal(t, TypeInt64, col.Type)

	col, err = e.Column("_val")
	require.NoError(t, err)
	assert.Equal(t, ValuePos, col.Pos)

	col, err = e.Column("Name")
	require.NoError(t, err)
	assert.Equal(t, 1, col.Pos)
	assert.Equal(t, "name", col.Name)

	_, err = e.Column("age")
	assert.Equal(t, ErrUnknownColumn, errors.Cause(err))

	cols := e.Columns()
	require.Len(t, cols, 5)
	assert.Equal(t, KeyColumn, cols[0].Name)
	assert.Equal(t, "active", cols[4].Name)
}

func TestEqual(t *testing.T) {
	assert.True(t, personEntity().Equal(personEntity()))
	other := personEntity()
	other.Fields[1].Indexed = false
	assert.False(t, personEntity().Equal(other))
	assert.False(t, personEntity().Equal(nil))
}

func TestCodecRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		c := NewCodec(personEntity(), compress)
		in := &person{ID: 7, Name: "Test Entity", Score: 1.5, Active: true}
		b, err := c.Encode(in)
		require.NoError(t, err)
		if compress {
			assert.Equal(t, flagSnappy, b[0])
		} else {
			assert.Equal(t, flagPlain, b[0])
		}

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestCodecWithoutConstructor(t *testing.T) {
	e := personEntity()
	e.New = nil
	c := NewCodec(e, false)
	b, err := c.Encode(Row{
		types.NewIntDatum(1),
		types.NewStringDatum("a"),
		types.NewIntDatum(2),
		types.NewIntDatum(0),
	})
	require.NoError(t, err)

	rec, err := c.Decode(b)
	require.NoError(t, err)
	row, ok := rec.(Row)
	require.True(t, ok)
	assert.Equal(t, "a", row[1].GetString())
	// Integers stored in DOUBLE fields are converted on write.
	assert.Equal(t, 2.0, row[2].GetFloat64())
}

func TestCodecRejectsBadRecords(t *testing.T) {
	c := NewCodec(personEntity(), false)
	_, err := c.Encode(nil)
	assert.Error(t, err)
	_, err = c.Encode(Row{types.NewIntDatum(1)})
	assert.Error(t, err)
	_, err = c.Encode(Row{
		types.NewStringDatum("not a number"),
		types.NewStringDatum("a"),
		types.NewFloat64Datum(1),
		types.NewIntDatum(0),
	})
	assert.Error(t, err)

	_, err = c.Decode(nil)
	assert.Error(t, err)
	_, err = c.Decode([]byte{9, 1, 2})
	assert.Error(t, err)
}

func TestValue(t *testing.T) {
	assert.Equal(t, int64(3), Value(TypeInt64, types.NewIntDatum(3)))
	assert.Equal(t, "x", Value(TypeString, types.NewStringDatum("x")))
	assert.Equal(t, true, Value(TypeBool, types.NewIntDatum(1)))
	assert.Nil(t, Value(TypeString, types.Datum{}))

	d, err := Coerce(&stmtctx.StatementContext{}, TypeString, types.NewIntDatum(12))
	require.NoError(t, err)
	assert.Equal(t, "12", d.GetString())
}

func TestNonIntegral(t *testing.T) {
	assert.False(t, NonIntegral(types.NewIntDatum(3)))
	assert.False(t, NonIntegral(types.NewStringDatum("1.5")))
	assert.False(t, NonIntegral(types.NewFloat64Datum(2)))
	assert.True(t, NonIntegral(types.NewFloat64Datum(1.5)))
	assert.True(t, NonIntegral(types.NewFloat64Datum(-0.25)))
	assert.True(t, NonIntegral(types.NewFloat64Datum(1e30)))
	assert.True(t, NonIntegral(types.NewDecimalDatum(types.NewDecFromStringForTest("2.5"))))
	assert.False(t, NonIntegral(types.NewDecimalDatum(types.NewDecFromStringForTest("2.0"))))
}
