package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// OperationStats aggregates the outcomes of one orchestrated operation, e.g.
// "mutate.add". Durations are totals in milliseconds; MaxMS tracks the
// slowest observation so sync stalls show up without a histogram.
type OperationStats struct {
	Count   int64   `json:"count"`
	Success int64   `json:"success"`
	Failure int64   `json:"failure"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// ExpvarMetricsSnapshot is the value served under the expvar name.
type ExpvarMetricsSnapshot struct {
	Operations map[string]OperationStats `json:"operations"`
	RecordedAt time.Time                 `json:"recorded_at"`
}

// ExpvarMetricsRecorder aggregates per-operation outcomes and serves them via
// expvar, for deployments that poll process-local metrics instead of running
// a scrape target.
type ExpvarMetricsRecorder struct {
	name  string
	mu    sync.Mutex
	stats map[string]OperationStats
}

// NewExpvarMetricsRecorder constructs a recorder published under name. An
// empty name gets a unique generated one, so repeated assemblies in one
// process never collide on expvar.Publish.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("carecore_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:  name,
		stats: make(map[string]OperationStats),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	st := r.stats[operation]
	st.Count++
	if success {
		st.Success++
	} else {
		st.Failure++
	}
	st.TotalMS += ms
	if ms > st.MaxMS {
		st.MaxMS = ms
	}
	r.stats[operation] = st
	r.mu.Unlock()
}

// Snapshot returns a copy of the aggregated stats.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	operations := make(map[string]OperationStats, len(r.stats))
	for op, st := range r.stats {
		operations[op] = st
	}
	return ExpvarMetricsSnapshot{Operations: operations, RecordedAt: time.Now().UTC()}
}

// TraceEvent is one finished span of the mutation pipeline.
type TraceEvent struct {
	Operation  string    `json:"operation"`
	Outcome    string    `json:"outcome"` // "ok" or "failed"
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// JSONTraceTracer writes one JSON line per finished span and keeps the events
// for inspection, which is all the tracing the core needs: every operation is
// a single span, so there is no propagation to do.
type JSONTraceTracer struct {
	mu     sync.Mutex
	events []TraceEvent
	enc    *json.Encoder
	now    func() time.Time
}

// NewJSONTracer constructs a tracer writing to w. A nil writer keeps events
// in memory only.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	tr := &JSONTraceTracer{now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		tr.enc = json.NewEncoder(w)
	}
	return tr
}

// Events returns a copy of the recorded spans.
func (t *JSONTraceTracer) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: t.now()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	event := TraceEvent{
		Operation:  s.operation,
		Outcome:    "ok",
		DurationMS: float64(s.tracer.now().Sub(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
	}
	if err != nil {
		event.Outcome = "failed"
		event.Error = err.Error()
	}
	s.tracer.record(event)
}

func (t *JSONTraceTracer) record(event TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
	if t.enc != nil {
		_ = t.enc.Encode(event)
	}
}
