package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestExpvarMetricsRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()
	rec.Observe(ctx, "mutate.add", true, 10*time.Millisecond)
	rec.Observe(ctx, "mutate.add", true, 5*time.Millisecond)
	rec.Observe(ctx, "mutate.add", false, time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond) // ignored

	st := rec.Snapshot().Operations["mutate.add"]
	require.Equal(t, int64(3), st.Count)
	require.Equal(t, int64(2), st.Success)
	require.Equal(t, int64(1), st.Failure)
	require.InDelta(t, 16.0, st.TotalMS, 0.001)
	require.InDelta(t, 10.0, st.MaxMS, 0.001)
	require.NotEmpty(t, rec.Name())
}

func TestJSONTracerRecordsSpans(t *testing.T) {
	var buf bytes.Buffer
	tr := NewJSONTracer(&buf)
	_, span := tr.Start(context.Background(), "mutate")
	span.End(nil)
	_, span = tr.Start(context.Background(), "mutate")
	span.End(errors.New("boom"))

	events := tr.Events()
	require.Len(t, events, 2)
	require.Equal(t, "ok", events[0].Outcome)
	require.Equal(t, "failed", events[1].Outcome)
	require.Equal(t, "boom", events[1].Error)
	require.Contains(t, buf.String(), `"operation":"mutate"`)
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)

	ctx := context.Background()
	rec.Observe(ctx, "mutate.add", true, 20*time.Millisecond)
	rec.Observe(ctx, "mutate.add", false, 20*time.Millisecond)

	success := rec.results.WithLabelValues("mutate.add", "success")
	failure := rec.results.WithLabelValues("mutate.add", "error")
	require.Equal(t, 1.0, promtestutil.ToFloat64(success))
	require.Equal(t, 1.0, promtestutil.ToFloat64(failure))

	// Double registration must surface, not panic.
	_, err = NewPrometheusMetricsRecorder(reg)
	require.Error(t, err)
}
