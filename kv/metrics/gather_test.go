package metrics

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "things_total", Help: "things",
	}, []string{"kind"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "latency_seconds", Help: "latency",
	})
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total", Help: "other"})
	reg.MustRegister(counter, hist, other)

	counter.WithLabelValues("a").Add(2)
	counter.WithLabelValues("b").Inc()
	hist.Observe(0.5)
	hist.Observe(1.5)
	other.Inc()

	samples, err := Gather(reg)
	require.NoError(t, err)
	assert.Len(t, samples, 4)
	assert.Equal(t, 2.0, Value(samples, "txnprobe_things_total", "kind", "a"))
	assert.Equal(t, 1.0, Value(samples, "txnprobe_things_total", "kind", "b"))
	assert.Equal(t, 2.0, Value(samples, "txnprobe_latency_seconds_count"))
	assert.Equal(t, 2.0, Value(samples, "txnprobe_latency_seconds_sum"))
	assert.Equal(t, 0.0, Value(samples, "unrelated_total"))

	var out bytes.Buffer
	require.NoError(t, Write(&out, samples))
	assert.Equal(t, "txnprobe_latency_seconds_count 2\n"+
		"txnprobe_latency_seconds_sum 2\n"+
		"txnprobe_things_total{kind=\"a\"} 2\n"+
		"txnprobe_things_total{kind=\"b\"} 1\n", out.String())
}

func TestGatherDefaultRegistry(t *testing.T) {
	QueryCounter.WithLabelValues("point_get").Inc()
	samples, err := Gather(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.True(t, Value(samples, "txnprobe_query_executed_total", "plan", "point_get") >= 1)
}
