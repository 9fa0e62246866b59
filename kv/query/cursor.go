package query

// Cursor holds the rows of an executed query.
type Cursor struct {
	columns []string
	rows    [][]interface{}
	pos     int
}

func newCursor(columns []string, rows [][]interface{}) *Cursor {
	if rows == nil {
		rows = [][]interface{}{}
	}
	return &Cursor{columns: columns, rows: rows}
}

func (c *Cursor) Columns() []string {
	return c.columns
}

// GetAll returns the rows not yet consumed by Next. It is never nil.
func (c *Cursor) GetAll() [][]interface{} {
	rest := c.rows[c.pos:]
	c.pos = len(c.rows)
	return rest
}

// Next returns the next row, or false when the cursor is exhausted.
func (c *Cursor) Next() ([]interface{}, bool) {
	if c.pos >= len(c.rows) {
		return nil, false
	}
	row := c.rows[c.pos]
	c.pos++
	return row, true
}

func (c *Cursor) Len() int {
	return len(c.rows)
}
