package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "txnprobe"

// Gathered names of the series read back by the node and the command.
const (
	TxnFinished   = "txnprobe_txn_finished_total"
	QueryExecuted = "txnprobe_query_executed_total"
	IndexApplied  = "txnprobe_index_applied_rows_total"
	IndexDropped  = "txnprobe_index_dropped_rows_total"
)

// Sample is one gathered series. Histograms yield a _count and a _sum sample.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

func (s Sample) String() string {
	if len(s.Labels) == 0 {
		return fmt.Sprintf("%s %v", s.Name, s.Value)
	}
	names := make([]string, 0, len(s.Labels))
	for name := range s.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%q", name, s.Labels[name]))
	}
	return fmt.Sprintf("%s{%s} %v", s.Name, strings.Join(pairs, ","), s.Value)
}

// Gather collects the series of this process from g, sorted by name.
func Gather(g prometheus.Gatherer) ([]Sample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var samples []Sample
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				samples = append(samples, Sample{Name: name, Labels: labels, Value: m.GetCounter().GetValue()})
			case m.GetGauge() != nil:
				samples = append(samples, Sample{Name: name, Labels: labels, Value: m.GetGauge().GetValue()})
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				samples = append(samples,
					Sample{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount())},
					Sample{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum()})
			}
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples, nil
}

// Value returns the value of the sample called name whose labels include the given name/value pairs, or 0.
func Value(samples []Sample, name string, labels ...string) float64 {
	for _, s := range samples {
		if s.Name != name || !hasLabels(s, labels) {
			continue
		}
		return s.Value
	}
	return 0
}

func hasLabels(s Sample, labels []string) bool {
	for i := 0; i+1 < len(labels); i += 2 {
		if s.Labels[labels[i]] != labels[i+1] {
			return false
		}
	}
	return true
}

// Write prints samples one per line.
func Write(w io.Writer, samples []Sample) error {
	for _, s := range samples {
		if _, err := fmt.Fprintln(w, s.String()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
