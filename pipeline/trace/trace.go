// Package trace records per-step decision/latency information for a
// decode session, the way sim/trace lets the simulator's caller inspect
// what happened after the fact without being on the hot path.
package trace

import "sync"

// StepRecord is one prefill chunk or generation step.
type StepRecord struct {
	Phase        string // "prefill" or "generate"
	StepIndex    int
	InputLength  int64
	CursorBefore int64
	CursorAfter  int64
	LatencyMS    float64
	Token        int64 // zero for prefill chunks that did not sample
}

// Recorder is an in-memory ring buffer of StepRecords. Recording is
// synchronous and O(1) per step; draining is the caller's job, typically
// once a stream completes.
type Recorder struct {
	mu      sync.Mutex
	records []StepRecord
	cap     int
}

// NewRecorder returns a Recorder holding at most capacity records,
// discarding the oldest once full. capacity <= 0 means unbounded.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{cap: capacity}
}

// Record appends one StepRecord, evicting the oldest if at capacity.
func (r *Recorder) Record(rec StepRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if r.cap > 0 && len(r.records) > r.cap {
		r.records = r.records[len(r.records)-r.cap:]
	}
}

// Drain returns every recorded StepRecord and clears the buffer.
func (r *Recorder) Drain() []StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.records
	r.records = nil
	return out
}

// Len reports how many records are currently buffered.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
