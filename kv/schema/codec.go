package schema

import (
	"github.com/golang/snappy"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/sessionctx/stmtctx"
	"github.com/pingcap/tidb/types"
	"github.com/pingcap/tidb/util/codec"
)

const (
	flagPlain  byte = 0
	flagSnappy byte = 1
)

// Codec turns records of one entity into the bytes kept in storage.
// Encoded values start with one flag byte telling whether the rest is snappy compressed.
type Codec struct {
	Entity   *Entity
	Compress bool

	sc *stmtctx.StatementContext
}

func NewCodec(e *Entity, compress bool) *Codec {
	return &Codec{Entity: e, Compress: compress, sc: &stmtctx.StatementContext{}}
}

// Normalize checks a record has one datum per field and converts each datum to its field type.
func (c *Codec) Normalize(r Record) ([]types.Datum, error) {
	if r == nil {
		return nil, errors.New("record is nil")
	}
	datums := r.Datums()
	if len(datums) != len(c.Entity.Fields) {
		return nil, errors.Errorf("%s record has %d values, want %d", c.Entity.TypeName, len(datums), len(c.Entity.Fields))
	}
	out := make([]types.Datum, len(datums))
	for i, d := range datums {
		v, err := Coerce(c.sc, c.Entity.Fields[i].Type, d)
		if err != nil {
			return nil, errors.Annotatef(err, "%s.%s", c.Entity.TypeName, c.Entity.Fields[i].Name)
		}
		out[i] = v
	}
	return out, nil
}

func (c *Codec) Encode(r Record) ([]byte, error) {
	datums, err := c.Normalize(r)
	if err != nil {
		return nil, err
	}
	raw, err := codec.EncodeValue(c.sc, []byte{flagPlain}, datums...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !c.Compress {
		return raw, nil
	}
	return append([]byte{flagSnappy}, snappy.Encode(nil, raw[1:])...), nil
}

func (c *Codec) Decode(b []byte) (Record, error) {
	datums, err := c.DecodeDatums(b)
	if err != nil {
		return nil, err
	}
	if c.Entity.New == nil {
		return Row(datums), nil
	}
	r, err := c.Entity.New(datums)
	return r, errors.Trace(err)
}

// DecodeDatums decodes the field values without building a record.
func (c *Codec) DecodeDatums(b []byte) ([]types.Datum, error) {
	if len(b) == 0 {
		return nil, errors.New("empty record value")
	}
	body := b[1:]
	switch b[0] {
	case flagPlain:
	case flagSnappy:
		var err error
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, errors.Annotate(err, "decompress record")
		}
	default:
		return nil, errors.Errorf("unknown record flag %d", b[0])
	}
	datums, err := codec.Decode(body, len(c.Entity.Fields))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(datums) != len(c.Entity.Fields) {
		return nil, errors.Errorf("%s record has %d values, want %d", c.Entity.TypeName, len(datums), len(c.Entity.Fields))
	}
	return datums, nil
}
