package query

import (
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/parser"
	"github.com/pingcap/parser/ast"
	"github.com/pingcap/parser/opcode"
	"github.com/pingcap/tidb/types"
	driver "github.com/pingcap/tidb/types/parser_driver"
)

// parser.Parser is not safe for concurrent use.
var parserPool = sync.Pool{New: func() interface{} { return parser.New() }}

type selectField struct {
	star   bool
	column string
	alias  string
}

// operand is either a literal or a reference to a positional argument.
type operand struct {
	value types.Datum
	param *paramRef
}

type paramRef struct {
	offset int
	index  int
}

type predicate struct {
	column string
	op     opcode.Op
	operand
}

// statement is a parsed SELECT before it is bound to a table.
type statement struct {
	table  string
	alias  string
	fields []selectField
	where  []predicate
	limit  *operand
	offset *operand
	params []*paramRef
}

func parse(sql string) (*statement, error) {
	p := parserPool.Get().(*parser.Parser)
	defer parserPool.Put(p)

	node, err := p.ParseOneStmt(sql, "", "")
	if err != nil {
		return nil, errors.Annotatef(ErrUnsupportedQuery, "parse %q: %v", sql, err)
	}
	sel, ok := node.(*ast.SelectStmt)
	if !ok {
		return nil, errors.Annotatef(ErrUnsupportedQuery, "only SELECT is supported: %q", sql)
	}
	if sel.Distinct || sel.GroupBy != nil || sel.Having != nil || sel.OrderBy != nil {
		return nil, errors.Annotatef(ErrUnsupportedQuery, "DISTINCT, GROUP BY, HAVING and ORDER BY are not supported: %q", sql)
	}

	stmt := &statement{}
	if err := stmt.parseFrom(sel.From); err != nil {
		return nil, err
	}
	if err := stmt.parseFields(sel.Fields); err != nil {
		return nil, err
	}
	if sel.Where != nil {
		if err := stmt.parseWhere(sel.Where); err != nil {
			return nil, err
		}
	}
	if sel.Limit != nil {
		if sel.Limit.Count != nil {
			count, err := stmt.parseOperand(sel.Limit.Count)
			if err != nil {
				return nil, err
			}
			stmt.limit = &count
		}
		if sel.Limit.Offset != nil {
			offset, err := stmt.parseOperand(sel.Limit.Offset)
			if err != nil {
				return nil, err
			}
			stmt.offset = &offset
		}
	}

	// Arguments are numbered by their position in the text.
	sort.Slice(stmt.params, func(i, j int) bool { return stmt.params[i].offset < stmt.params[j].offset })
	for i, ref := range stmt.params {
		ref.index = i
	}
	return stmt, nil
}

func (s *statement) parseFrom(from *ast.TableRefsClause) error {
	if from == nil || from.TableRefs == nil {
		return errors.Annotate(ErrUnsupportedQuery, "missing FROM clause")
	}
	if from.TableRefs.Right != nil {
		return errors.Annotate(ErrUnsupportedQuery, "joins are not supported")
	}
	source, ok := from.TableRefs.Left.(*ast.TableSource)
	if !ok {
		return errors.Annotate(ErrUnsupportedQuery, "FROM must name a table")
	}
	name, ok := source.Source.(*ast.TableName)
	if !ok {
		return errors.Annotate(ErrUnsupportedQuery, "subqueries are not supported")
	}
	s.table = name.Name.O
	s.alias = source.AsName.O
	return nil
}

func (s *statement) parseFields(fields *ast.FieldList) error {
	if fields == nil || len(fields.Fields) == 0 {
		return errors.Annotate(ErrUnsupportedQuery, "empty select list")
	}
	for _, f := range fields.Fields {
		if f.WildCard != nil {
			s.fields = append(s.fields, selectField{star: true})
			continue
		}
		col, ok := f.Expr.(*ast.ColumnNameExpr)
		if !ok {
			return errors.Annotatef(ErrUnsupportedQuery, "select list may only contain columns, got %T", f.Expr)
		}
		if err := s.checkQualifier(col.Name); err != nil {
			return err
		}
		s.fields = append(s.fields, selectField{column: col.Name.Name.O, alias: f.AsName.O})
	}
	return nil
}

func (s *statement) checkQualifier(name *ast.ColumnName) error {
	q := name.Table.L
	if q == "" || q == strings.ToLower(s.table) || q == strings.ToLower(s.alias) {
		return nil
	}
	return errors.Annotatef(ErrUnknownTable, "%s.%s", name.Table.O, name.Name.O)
}

func (s *statement) parseWhere(expr ast.ExprNode) error {
	switch x := expr.(type) {
	case *ast.ParenthesesExpr:
		return s.parseWhere(x.Expr)
	case *ast.BinaryOperationExpr:
		if x.Op == opcode.LogicAnd {
			if err := s.parseWhere(x.L); err != nil {
				return err
			}
			return s.parseWhere(x.R)
		}
		op, ok := comparison(x.Op)
		if !ok {
			return errors.Annotatef(ErrUnsupportedQuery, "operator %s is not supported", x.Op)
		}
		col, colOnLeft := x.L.(*ast.ColumnNameExpr)
		other := x.R
		if !colOnLeft {
			if col, ok = x.R.(*ast.ColumnNameExpr); !ok {
				return errors.Annotate(ErrUnsupportedQuery, "predicates must compare a column with a value")
			}
			other = x.L
			op = mirror(op)
		}
		if err := s.checkQualifier(col.Name); err != nil {
			return err
		}
		value, err := s.parseOperand(other)
		if err != nil {
			return err
		}
		s.where = append(s.where, predicate{column: col.Name.Name.O, op: op, operand: value})
		return nil
	}
	return errors.Annotatef(ErrUnsupportedQuery, "unsupported WHERE expression %T", expr)
}

func (s *statement) parseOperand(expr ast.ExprNode) (operand, error) {
	switch x := expr.(type) {
	case *driver.ParamMarkerExpr:
		ref := &paramRef{offset: x.Offset}
		s.params = append(s.params, ref)
		return operand{param: ref}, nil
	case *driver.ValueExpr:
		return operand{value: x.Datum}, nil
	case *ast.ParenthesesExpr:
		return s.parseOperand(x.Expr)
	case *ast.UnaryOperationExpr:
		if v, ok := x.V.(*driver.ValueExpr); ok && x.Op == opcode.Minus {
			return negate(v.Datum)
		}
	}
	return operand{}, errors.Annotatef(ErrUnsupportedQuery, "expected a literal or ?, got %T", expr)
}

func negate(d types.Datum) (operand, error) {
	switch d.Kind() {
	case types.KindInt64:
		return operand{value: types.NewIntDatum(-d.GetInt64())}, nil
	case types.KindUint64:
		return operand{value: types.NewIntDatum(-int64(d.GetUint64()))}, nil
	case types.KindFloat64:
		return operand{value: types.NewFloat64Datum(-d.GetFloat64())}, nil
	case types.KindMysqlDecimal:
		f, err := d.GetMysqlDecimal().ToFloat64()
		if err != nil {
			return operand{}, errors.Trace(err)
		}
		return operand{value: types.NewFloat64Datum(-f)}, nil
	}
	return operand{}, errors.Annotatef(ErrUnsupportedQuery, "cannot negate %v", d)
}

func comparison(op opcode.Op) (opcode.Op, bool) {
	switch op {
	case opcode.EQ, opcode.NE, opcode.LT, opcode.LE, opcode.GT, opcode.GE:
		return op, true
	}
	return op, false
}

// mirror returns the operator that keeps the predicate true when its operands are swapped.
func mirror(op opcode.Op) opcode.Op {
	switch op {
	case opcode.LT:
		return opcode.GT
	case opcode.LE:
		return opcode.GE
	case opcode.GT:
		return opcode.LT
	case opcode.GE:
		return opcode.LE
	}
	return op
}
