package tso

import (
	"time"

	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"go.uber.org/atomic"
)

const (
	physicalShiftBits = 18
	logicalMask       = 1<<physicalShiftBits - 1
)

// Oracle hands out strictly increasing timestamps for a single node. A timestamp is the wall clock in milliseconds
// shifted left by 18 bits plus a logical counter, so timestamps allocated in the same millisecond stay ordered.
type Oracle struct {
	last atomic.Uint64
	now  func() time.Time
}

func NewOracle() *Oracle {
	return &Oracle{now: time.Now}
}

// NewOracleWithClock is used by tests to control the physical part.
func NewOracleWithClock(now func() time.Time) *Oracle {
	return &Oracle{now: now}
}

// Next returns a timestamp greater than every timestamp returned before. If the wall clock goes backwards the
// oracle keeps counting from the last timestamp.
func (o *Oracle) Next() uint64 {
	for {
		last := o.last.Load()
		ts := ComposeTS(o.now().UnixNano()/int64(time.Millisecond), 0)
		if ts <= last {
			ts = last + 1
		}
		if o.last.CAS(last, ts) {
			metrics.TsoCounter.Inc()
			return ts
		}
	}
}

// Last returns the most recently allocated timestamp, or 0.
func (o *Oracle) Last() uint64 {
	return o.last.Load()
}

// Observe moves the oracle past ts, used when reopening persistent data written by an earlier process.
func (o *Oracle) Observe(ts uint64) {
	for {
		last := o.last.Load()
		if ts <= last || o.last.CAS(last, ts) {
			return
		}
	}
}

func ComposeTS(physical, logical int64) uint64 {
	return uint64(physical<<physicalShiftBits | logical&logicalMask)
}

// ParseTS splits ts into its wall clock and logical parts.
func ParseTS(ts uint64) (time.Time, uint64) {
	logical := ts & logicalMask
	physical := int64(ts >> physicalShiftBits)
	return time.Unix(0, physical*int64(time.Millisecond)), logical
}
