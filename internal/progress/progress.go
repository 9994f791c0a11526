// Package progress reports (phase, current, total) tuples to a caller
// supplied sink.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Phase labels a stage of the engine
type Phase string

const (
	PhaseDetect    Phase = "detect"
	PhaseAlign     Phase = "align"
	PhaseGapFill   Phase = "gapfill"
	PhaseAdduct    Phase = "adduct"
	PhaseConsensus Phase = "consensus"
	PhaseWrite     Phase = "write"
)

// Phases lists all phases in execution order
var Phases = []Phase{PhaseDetect, PhaseAlign, PhaseGapFill, PhaseAdduct, PhaseConsensus, PhaseWrite}

// Update is one progress report
type Update struct {
	Phase   Phase
	Current int64
	Total   int64
}

// Sink receives progress updates. Calls are never concurrent.
type Sink interface {
	Report(Update)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Update)

// Report calls f(u)
func (f SinkFunc) Report(u Update) { f(u) }

// Discard drops all updates
var Discard Sink = SinkFunc(func(Update) {})

// Tracker counts completed units of the current phase. Inc may be called
// from many goroutines; delivery to the sink is serialized and the
// reported count never decreases within a phase.
type Tracker struct {
	current atomic.Int64

	mu    sync.Mutex
	sink  Sink
	phase Phase
	total int64
	last  int64
}

// NewTracker creates a tracker reporting to sink. A nil sink discards.
func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = Discard
	}
	return &Tracker{sink: sink}
}

// Start begins a phase of total units and reports zero progress
func (t *Tracker) Start(phase Phase, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Store(0)
	t.phase = phase
	t.total = int64(total)
	t.last = 0
	t.sink.Report(Update{Phase: phase, Current: 0, Total: t.total})
}

// Inc marks one unit of the current phase as done
func (t *Tracker) Inc() {
	n := t.current.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	// A concurrent Inc may already have reported a higher count
	if n <= t.last {
		return
	}
	t.last = n
	t.sink.Report(Update{Phase: t.phase, Current: n, Total: t.total})
}

// Multi fans updates out to several sinks
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(u Update) {
		for _, s := range sinks {
			s.Report(u)
		}
	})
}

// LogSink logs updates. Phase completion is logged at info level,
// intermediate steps at debug level.
type LogSink struct {
	Log logrus.FieldLogger
}

// Report logs u
func (s LogSink) Report(u Update) {
	entry := s.Log.WithFields(logrus.Fields{
		"phase":   u.Phase,
		"current": u.Current,
		"total":   u.Total,
	})
	if u.Current == u.Total {
		entry.Info("phase complete")
		return
	}
	entry.Debug("progress")
}

// PrometheusSink exports progress as gauges labelled by phase
type PrometheusSink struct {
	current *prometheus.GaugeVec
	total   *prometheus.GaugeVec
}

// NewPrometheusSink creates the gauges and registers them with reg
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mzalign",
			Name:      "progress_current",
			Help:      "Completed units of work per phase",
		}, []string{"phase"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mzalign",
			Name:      "progress_total",
			Help:      "Total units of work per phase",
		}, []string{"phase"}),
	}
	if err := reg.Register(s.current); err != nil {
		return nil, err
	}
	if err := reg.Register(s.total); err != nil {
		reg.Unregister(s.current)
		return nil, err
	}
	return s, nil
}

// Report sets the gauges of u.Phase
func (s *PrometheusSink) Report(u Update) {
	s.current.WithLabelValues(string(u.Phase)).Set(float64(u.Current))
	s.total.WithLabelValues(string(u.Phase)).Set(float64(u.Total))
}
