// Package metrics defines the minimal metrics surface the rest of the
// application depends on.
//
// Design goals:
//   - Core packages (server, canonical, narrative) depend only on Backend.
//   - Concrete exporters (Datadog) live in subpackages and are wired in main.
//   - Recording must be cheap and safe to call from request handlers; the
//     no-op default makes metrics strictly optional.
package metrics

import "sync/atomic"

// Labels attaches low-cardinality dimensions to a metric observation.
//
// Keys and values must be stable, bounded sets (route names, statuses,
// provider names). Never put user input or dataset names in labels.
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use. Unknown metric names may
// be ignored; callers cannot rely on every backend exporting every metric.
type Backend interface {
	// IncCounter adds delta to the named counter. Non-positive deltas are ignored.
	IncCounter(name string, delta float64, labels Labels)

	// ObserveHistogram records one sample of the named distribution.
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush submits buffered observations to the backend's sink.
	Flush() error
}

// Nop is a Backend that discards everything. It is the default so that
// applications without a metrics sink configured pay no cost.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }

var _ Backend = Nop{}

// current holds the process-wide backend. atomic.Value gives lock-free reads
// on the hot path; SetBackend happens once at startup.
var current atomic.Value

func init() {
	current.Store(Backend(Nop{}))
}

// SetBackend installs the process-wide backend. Call once during startup,
// before serving traffic.
func SetBackend(b Backend) {
	if b == nil {
		b = Nop{}
	}
	current.Store(b)
}

// Default returns the process-wide backend.
func Default() Backend {
	return current.Load().(Backend)
}

// IncCounter records a counter increment on the process-wide backend.
func IncCounter(name string, delta float64, labels Labels) {
	Default().IncCounter(name, delta, labels)
}

// ObserveHistogram records a histogram sample on the process-wide backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	Default().ObserveHistogram(name, value, labels)
}

// Flush flushes the process-wide backend.
func Flush() error {
	return Default().Flush()
}
