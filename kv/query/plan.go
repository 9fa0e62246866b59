package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/index"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap/errors"
	"github.com/pingcap/parser/opcode"
	"github.com/pingcap/tidb/sessionctx/stmtctx"
	"github.com/pingcap/tidb/types"
)

type accessPath int

const (
	accessFullScan accessPath = iota
	accessPointGet
	accessIndexSeek
	accessIndexRange
)

func (a accessPath) String() string {
	switch a {
	case accessPointGet:
		return "point_get"
	case accessIndexSeek:
		return "index_seek"
	case accessIndexRange:
		return "index_range"
	}
	return "full_scan"
}

// Overlay holds rows which replace the committed ones, keyed by cache key. A nil record hides the committed row.
type Overlay map[int64]schema.Record

type filter struct {
	column schema.Column
	op     opcode.Op
	value  types.Datum
	// value is a fraction compared with an integer column. It is kept as is and never drives key or index access.
	fraction bool
}

// Plan is a query bound to a table and its arguments.
type Plan struct {
	table   *index.Table
	codec   *schema.Codec
	sc      *stmtctx.StatementContext
	columns []schema.Column
	names   []string
	filters []filter
	limit   int64
	offset  int64

	access accessPath
	// The filter driving the access path, for point gets and index seeks.
	driver *filter
	lower  *index.Bound
	upper  *index.Bound
	empty  bool
}

// Compile parses q and binds it to table.
func Compile(table *index.Table, q *SqlFieldsQuery) (*Plan, error) {
	stmt, err := parse(q.SQL)
	if err != nil {
		return nil, err
	}
	entity := table.Entity()
	if !strings.EqualFold(stmt.table, entity.TypeName) {
		return nil, errors.Annotatef(ErrUnknownTable, "%s", stmt.table)
	}
	if len(q.Args) != len(stmt.params) {
		return nil, errors.Annotatef(ErrArgCount, "query has %d parameters, got %d arguments", len(stmt.params), len(q.Args))
	}
	args := make([]types.Datum, len(q.Args))
	for i, arg := range q.Args {
		if args[i], err = argDatum(arg); err != nil {
			return nil, errors.Annotatef(err, "argument %d", i+1)
		}
	}

	p := &Plan{
		table:  table,
		codec:  schema.NewCodec(entity, false),
		sc:     &stmtctx.StatementContext{},
		limit:  -1,
		offset: 0,
	}
	if err := p.bindFields(stmt.fields); err != nil {
		return nil, err
	}
	for _, pred := range stmt.where {
		col, err := resolve(entity, pred.column)
		if err != nil {
			return nil, err
		}
		if col.Pos == schema.ValuePos {
			return nil, errors.Annotatef(ErrUnsupportedQuery, "cannot filter on %s", schema.ValueColumn)
		}
		value := bindOperand(pred.operand, args)
		if value.IsNull() {
			// Comparisons with NULL are never true.
			p.empty = true
			continue
		}
		if col.Type == schema.TypeInt64 && schema.NonIntegral(value) {
			if pred.op == opcode.EQ {
				// No integer equals a fraction.
				p.empty = true
				continue
			}
			p.filters = append(p.filters, filter{column: col, op: pred.op, value: value, fraction: true})
			continue
		}
		value, err = schema.Coerce(p.sc, col.Type, value)
		if err != nil {
			return nil, errors.Annotatef(err, "compare %s", col.Name)
		}
		p.filters = append(p.filters, filter{column: col, op: pred.op, value: value})
	}
	if stmt.limit != nil {
		if p.limit, err = bindCount(*stmt.limit, args, "LIMIT"); err != nil {
			return nil, err
		}
	}
	if stmt.offset != nil {
		if p.offset, err = bindCount(*stmt.offset, args, "OFFSET"); err != nil {
			return nil, err
		}
	}
	p.chooseAccess()
	return p, nil
}

func resolve(e *schema.Entity, name string) (schema.Column, error) {
	col, err := e.Column(name)
	if err != nil {
		return col, errors.Annotatef(ErrUnknownColumn, "%s.%s", e.TypeName, name)
	}
	return col, nil
}

func bindOperand(o operand, args []types.Datum) types.Datum {
	if o.param != nil {
		return args[o.param.index]
	}
	return o.value
}

func bindCount(o operand, args []types.Datum, what string) (int64, error) {
	d := bindOperand(o, args)
	if d.Kind() != types.KindInt64 && d.Kind() != types.KindUint64 {
		return 0, errors.Annotatef(ErrUnsupportedQuery, "%s must be an integer", what)
	}
	n := d.GetInt64()
	if d.Kind() == types.KindUint64 {
		n = int64(d.GetUint64())
	}
	if n < 0 {
		return 0, errors.Annotatef(ErrUnsupportedQuery, "%s must not be negative", what)
	}
	return n, nil
}

func (p *Plan) bindFields(fields []selectField) error {
	entity := p.table.Entity()
	for _, f := range fields {
		if f.star {
			for _, col := range entity.Columns() {
				p.columns = append(p.columns, col)
				p.names = append(p.names, strings.ToUpper(col.Name))
			}
			continue
		}
		col, err := resolve(entity, f.column)
		if err != nil {
			return err
		}
		p.columns = append(p.columns, col)
		name := f.alias
		if name == "" {
			name = col.Name
		}
		p.names = append(p.names, strings.ToUpper(name))
	}
	return nil
}

func (p *Plan) chooseAccess() {
	for i := range p.filters {
		f := &p.filters[i]
		if f.fraction {
			continue
		}
		if f.op == opcode.EQ && f.column.Pos == schema.KeyPos {
			p.access, p.driver = accessPointGet, f
			return
		}
	}
	for i := range p.filters {
		f := &p.filters[i]
		if !f.fraction && f.op == opcode.EQ && f.column.Pos >= 0 && p.table.Indexed(f.column.Pos) {
			p.access, p.driver = accessIndexSeek, f
			return
		}
	}
	for i := range p.filters {
		f := &p.filters[i]
		if f.fraction || f.column.Pos < 0 || !p.table.Indexed(f.column.Pos) {
			continue
		}
		switch f.op {
		case opcode.GT, opcode.GE:
			p.access, p.driver = accessIndexRange, f
			p.lower = &index.Bound{Value: f.value, Inclusive: f.op == opcode.GE}
			return
		case opcode.LT, opcode.LE:
			p.access, p.driver = accessIndexRange, f
			p.upper = &index.Bound{Value: f.value, Inclusive: f.op == opcode.LE}
			return
		}
	}
	p.access = accessFullScan
}

// Columns returns the names of the result columns.
func (p *Plan) Columns() []string {
	return p.names
}

// Explain describes the chosen access path.
func (p *Plan) Explain() string {
	if p.driver == nil {
		return fmt.Sprintf("%s(%s)", p.access, p.table.Entity().TypeName)
	}
	return fmt.Sprintf("%s(%s.%s %s %v)", p.access, p.table.Entity().TypeName, p.driver.column.Name, symbol(p.driver.op), p.driver.value.GetValue())
}

func symbol(op opcode.Op) string {
	switch op {
	case opcode.EQ:
		return "="
	case opcode.NE:
		return "!="
	case opcode.LT:
		return "<"
	case opcode.LE:
		return "<="
	case opcode.GT:
		return ">"
	case opcode.GE:
		return ">="
	}
	return op.String()
}

// Execute runs the plan against the committed table. Rows in overlay take precedence over committed rows.
func (p *Plan) Execute(overlay Overlay) (*Cursor, error) {
	metrics.QueryCounter.WithLabelValues(p.access.String()).Inc()
	if p.empty {
		return newCursor(p.names, nil), nil
	}
	candidates, err := p.candidates()
	if err != nil {
		return nil, err
	}

	rows := make([]index.Row, 0, len(candidates))
	for _, row := range candidates {
		if _, shadowed := overlay[row.Key]; shadowed {
			continue
		}
		ok, err := p.match(row)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	for key, rec := range overlay {
		if rec == nil {
			continue
		}
		values, err := p.codec.Normalize(rec)
		if err != nil {
			return nil, errors.Annotatef(err, "pending row %d", key)
		}
		row := index.Row{Key: key, Record: rec, Values: values}
		ok, err := p.match(row)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	if p.offset >= int64(len(rows)) {
		rows = nil
	} else {
		rows = rows[p.offset:]
	}
	if p.limit >= 0 && p.limit < int64(len(rows)) {
		rows = rows[:p.limit]
	}

	result := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		result = append(result, p.project(row))
	}
	log.Debugf("query %s returned %d rows", p.Explain(), len(result))
	return newCursor(p.names, result), nil
}

func (p *Plan) candidates() ([]index.Row, error) {
	switch p.access {
	case accessPointGet:
		row, ok := p.table.Get(p.driver.value.GetInt64())
		if !ok {
			return nil, nil
		}
		return []index.Row{row}, nil
	case accessIndexSeek:
		return p.table.Seek(p.driver.column.Pos, p.driver.value)
	case accessIndexRange:
		return p.table.Range(p.driver.column.Pos, p.lower, p.upper)
	}
	var rows []index.Row
	p.table.Scan(func(row index.Row) bool {
		rows = append(rows, row)
		return true
	})
	return rows, nil
}

func (p *Plan) value(row index.Row, col schema.Column) types.Datum {
	if col.Pos == schema.KeyPos {
		return types.NewIntDatum(row.Key)
	}
	return row.Values[col.Pos]
}

func (p *Plan) match(row index.Row) (bool, error) {
	for _, f := range p.filters {
		v := p.value(row, f.column)
		if v.IsNull() {
			return false, nil
		}
		cmp, err := v.CompareDatum(p.sc, &f.value)
		if err != nil {
			return false, errors.Trace(err)
		}
		var ok bool
		switch f.op {
		case opcode.EQ:
			ok = cmp == 0
		case opcode.NE:
			ok = cmp != 0
		case opcode.LT:
			ok = cmp < 0
		case opcode.LE:
			ok = cmp <= 0
		case opcode.GT:
			ok = cmp > 0
		case opcode.GE:
			ok = cmp >= 0
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plan) project(row index.Row) []interface{} {
	out := make([]interface{}, 0, len(p.columns))
	for _, col := range p.columns {
		switch col.Pos {
		case schema.KeyPos:
			out = append(out, row.Key)
		case schema.ValuePos:
			out = append(out, row.Record)
		default:
			out = append(out, schema.Value(col.Type, row.Values[col.Pos]))
		}
	}
	return out
}

// Run compiles and executes q in one step.
func Run(table *index.Table, q *SqlFieldsQuery, overlay Overlay) (*Cursor, error) {
	p, err := Compile(table, q)
	if err != nil {
		return nil, err
	}
	return p.Execute(overlay)
}
