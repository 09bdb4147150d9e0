package metrics

import "sync"

// Recorder keeps the latest value of every metric emitted while it is
// registered, keyed by component and name. The status report reads it.
type Recorder struct {
	id MetricHandlerID

	mu     sync.RWMutex
	latest map[string]Metric
}

// StartRecorder registers a new Recorder with the metric handlers.
func StartRecorder() *Recorder {
	r := &Recorder{latest: make(map[string]Metric)}
	r.id = RegisterMetricHandler(r.handle)
	return r
}

func (r *Recorder) handle(m Metric) {
	r.mu.Lock()
	r.latest[m.Component+"."+m.Name] = m
	r.mu.Unlock()
}

// Snapshot returns the latest value per series.
func (r *Recorder) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]interface{}, len(r.latest))
	for k, m := range r.latest {
		out[k] = m.Value
	}
	return out
}

// Close unregisters the recorder. Values seen so far stay readable.
func (r *Recorder) Close() error {
	UnregisterMetricHandler(r.id)
	return nil
}
