// Package probe checks whether a SQL query run inside an open transaction sees a write made earlier in the same
// transaction.
package probe

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/node"
	"github.com/pingcap-incubator/txnprobe/kv/query"
	"github.com/pingcap-incubator/txnprobe/kv/schema"
	"github.com/pingcap-incubator/txnprobe/kv/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Query is the indexed lookup run before and after commit.
const Query = "SELECT _key, name FROM TestEntity WHERE _key = ?"

type Options struct {
	CacheName   string
	Concurrency txn.Concurrency
	Isolation   txn.Isolation
	// Key of the record. Zero means the current time in milliseconds.
	Key  int64
	Name string
}

// OptionsFromConfig reads the probe options from configuration.
func OptionsFromConfig(conf *config.Probe) (Options, error) {
	concurrency, err := txn.ParseConcurrency(conf.Concurrency)
	if err != nil {
		return Options{}, err
	}
	isolation, err := txn.ParseIsolation(conf.Isolation)
	if err != nil {
		return Options{}, err
	}
	return Options{
		CacheName:   conf.CacheName,
		Concurrency: concurrency,
		Isolation:   isolation,
		Name:        conf.EntityName,
	}, nil
}

// Report holds what the probe observed.
type Report struct {
	Key         int64
	Record      *TestEntity
	Concurrency txn.Concurrency
	Isolation   txn.Isolation
	TxAware     bool

	// PointRead is the key lookup inside the transaction.
	PointRead schema.Record
	// InTxRows is the SQL result inside the transaction, before commit.
	InTxRows [][]interface{}
	// PostCommitRows is the SQL result after commit.
	PostCommitRows [][]interface{}
	// PostCommitRead is the key lookup after commit.
	PostCommitRead schema.Record
}

// Run executes begin, put, get, query, commit against the probe cache of n, then reads the record back.
func Run(n *node.Node, opts Options) (*Report, error) {
	c, err := n.GetOrCreateCache(CacheConfiguration(opts.CacheName))
	if err != nil {
		return nil, err
	}
	key := opts.Key
	if key == 0 {
		key = time.Now().UnixNano() / int64(time.Millisecond)
	}
	entity := &TestEntity{ID: key, Name: opts.Name}
	report := &Report{
		Key:         key,
		Record:      entity,
		Concurrency: opts.Concurrency,
		Isolation:   opts.Isolation,
		TxAware:     n.Config().Query.TxAware,
	}

	tx, err := n.Transactions().Begin(opts.Concurrency, opts.Isolation, n.Config().Txn.DefaultTimeout.Duration)
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	log.Info("transaction started",
		zap.Stringer("xid", tx.Xid()),
		zap.Stringer("concurrency", opts.Concurrency),
		zap.Stringer("isolation", opts.Isolation))

	view, err := c.In(tx)
	if err != nil {
		return nil, err
	}
	if err := view.Put(key, entity); err != nil {
		return nil, errors.Annotatef(err, "put %d", key)
	}
	if report.PointRead, err = view.Get(key); err != nil {
		return nil, errors.Annotatef(err, "get %d", key)
	}
	cur, err := view.Query(query.NewSqlFieldsQuery(Query).SetArgs(key))
	if err != nil {
		return nil, errors.Annotatef(err, "query %d in transaction", key)
	}
	report.InTxRows = cur.GetAll()
	log.Info("in-transaction lookups done",
		zap.Int64("key", key),
		zap.Bool("point-read-found", report.PointRead != nil),
		zap.Int("sql-rows", len(report.InTxRows)))

	if err := tx.Commit(); err != nil {
		return nil, errors.Annotatef(err, "commit %d", key)
	}

	if cur, err = c.Query(query.NewSqlFieldsQuery(Query).SetArgs(key)); err != nil {
		return nil, errors.Annotatef(err, "query %d after commit", key)
	}
	report.PostCommitRows = cur.GetAll()
	if report.PostCommitRead, err = c.Get(key); err != nil {
		return nil, errors.Annotatef(err, "get %d after commit", key)
	}
	log.Info("probe finished",
		zap.Int64("key", key),
		zap.Bool("index-visible-before-commit", report.IndexVisibleBeforeCommit()),
		zap.Bool("converged", report.Converged()))
	return report, nil
}

func (r *Report) expectedRow() []interface{} {
	return []interface{}{r.Key, r.Record.Name}
}

// ReadOwnWrite reports whether the key lookup inside the transaction returned the written record.
func (r *Report) ReadOwnWrite() bool {
	return reflect.DeepEqual(r.PointRead, schema.Record(r.Record))
}

// IndexVisibleBeforeCommit reports whether the SQL query inside the transaction saw the pending write. Both answers
// are legitimate; which one a node gives depends on whether its SQL tables include uncommitted writes.
func (r *Report) IndexVisibleBeforeCommit() bool {
	return len(r.InTxRows) > 0
}

// Converged reports whether both access paths return the record after commit.
func (r *Report) Converged() bool {
	return reflect.DeepEqual(r.PostCommitRead, schema.Record(r.Record)) &&
		reflect.DeepEqual(r.PostCommitRows, [][]interface{}{r.expectedRow()})
}

// Print writes the transcript of the run.
func (r *Report) Print(w io.Writer) error {
	visibility := "index does not see the pending write"
	if r.IndexVisibleBeforeCommit() {
		visibility = "index sees the pending write"
	}
	lines := []string{
		fmt.Sprintf("Starting %s %s transaction...", r.Concurrency, r.Isolation),
		"Entity saved in transaction",
		fmt.Sprintf("Direct cache get result: %s", formatRecord(r.PointRead)),
		fmt.Sprintf("SQL query result in transaction: %s (%s)", formatRows(r.InTxRows), visibility),
		"Transaction committed",
		fmt.Sprintf("SQL query result after commit: %s", formatRows(r.PostCommitRows)),
		fmt.Sprintf("Direct cache get after commit: %s", formatRecord(r.PostCommitRead)),
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return errors.Trace(err)
}

func formatRecord(rec schema.Record) string {
	if rec == nil {
		return "null"
	}
	if s, ok := rec.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(rec.Datums())
}

func formatRows(rows [][]interface{}) string {
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, v := range row {
			cells = append(cells, fmt.Sprint(v))
		}
		parts = append(parts, "["+strings.Join(cells, ", ")+"]")
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
