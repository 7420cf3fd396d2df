// Package status exposes a local HTTP endpoint with the proxy's runtime
// state and metrics. It binds to loopback and is disabled by default;
// nothing in the protocol path depends on it.
package status

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
)

// SnapshotReporter is a tally reporter that keeps the latest metric values
// in memory so the status endpoint can serve them.
type SnapshotReporter struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewSnapshotReporter creates an empty reporter.
func NewSnapshotReporter() *SnapshotReporter {
	return &SnapshotReporter{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// NewScope builds a root tally scope feeding this reporter.
func (r *SnapshotReporter) NewScope(prefix string, interval time.Duration) (tally.Scope, func() error) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   prefix,
		Reporter: r,
	}, interval)
	return scope, closer.Close
}

func (r *SnapshotReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.mu.Lock()
	r.counters[key(name, tags)] += value
	r.mu.Unlock()
}

func (r *SnapshotReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.mu.Lock()
	r.gauges[key(name, tags)] = value
	r.mu.Unlock()
}

func (r *SnapshotReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	// Timers are recorded as a gauge of the last observed duration.
	r.mu.Lock()
	r.gauges[key(name, tags)+".last_ms"] = float64(interval.Milliseconds())
	r.mu.Unlock()
}

func (r *SnapshotReporter) ReportHistogramValueSamples(name string, tags map[string]string,
	buckets tally.Buckets, bucketLowerBound, bucketUpperBound float64, samples int64) {
	r.mu.Lock()
	r.counters[key(name, tags)] += samples
	r.mu.Unlock()
}

func (r *SnapshotReporter) ReportHistogramDurationSamples(name string, tags map[string]string,
	buckets tally.Buckets, bucketLowerBound, bucketUpperBound time.Duration, samples int64) {
	r.mu.Lock()
	r.counters[key(name, tags)] += samples
	r.mu.Unlock()
}

func (r *SnapshotReporter) Capabilities() tally.Capabilities { return r }
func (r *SnapshotReporter) Reporting() bool                  { return true }
func (r *SnapshotReporter) Tagging() bool                    { return true }
func (r *SnapshotReporter) Flush()                           {}

// Counters returns a copy of the accumulated counter values.
func (r *SnapshotReporter) Counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Gauges returns a copy of the latest gauge values.
func (r *SnapshotReporter) Gauges() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		out[k] = v
	}
	return out
}

// key flattens a metric name and its tags into one stable identifier.
func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
