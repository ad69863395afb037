// Package anomaly implements the Anomaly & Security Scoring stage. It
// maintains a sliding window of recent signals per subject and combines
// weighted sub-signal deviations into a bounded [0,1] score stream.
package anomaly

import (
	"math"
	"time"

	"agrosentinel/internal/types"
)

// window is the bounded per-subject signal history: at most size samples
// per signal name, and nothing older than maxAge relative to the newest
// sample.
type window struct {
	size    int
	maxAge  time.Duration
	samples map[string][]types.SignalSample // signal name -> chronological samples
	last    time.Time                       // newest signal timestamp seen
}

func newWindow(size int, maxAge time.Duration) *window {
	return &window{
		size:    size,
		maxAge:  maxAge,
		samples: make(map[string][]types.SignalSample),
	}
}

// add appends a sample, trimming the per-signal history to the bounds.
// The caller has already enforced timestamp ordering.
func (w *window) add(s types.SignalSample) {
	seq := append(w.samples[s.Name], s)
	if len(seq) > w.size {
		seq = seq[len(seq)-w.size:]
	}
	w.samples[s.Name] = seq
	if s.Timestamp.After(w.last) {
		w.last = s.Timestamp
	}
	w.expire()
}

// expire drops samples older than maxAge relative to the newest timestamp.
func (w *window) expire() {
	cutoff := w.last.Add(-w.maxAge)
	for name, seq := range w.samples {
		idx := 0
		for idx < len(seq) && seq[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			w.samples[name] = seq[idx:]
		}
	}
}

// baseline returns the mean and standard deviation of the historical values
// for a signal, excluding the newest sample. ok is false when fewer than
// minBaselineSamples historical points exist.
func (w *window) baseline(name string) (mean, std float64, ok bool) {
	seq := w.samples[name]
	if len(seq) <= minBaselineSamples {
		return 0, 0, false
	}
	history := seq[:len(seq)-1]

	var sum float64
	for _, s := range history {
		sum += s.Value
	}
	mean = sum / float64(len(history))

	var variance float64
	for _, s := range history {
		d := s.Value - mean
		variance += d * d
	}
	std = math.Sqrt(variance / float64(len(history)))
	return mean, std, true
}

// latest returns the newest sample for a signal name.
func (w *window) latest(name string) (types.SignalSample, bool) {
	seq := w.samples[name]
	if len(seq) == 0 {
		return types.SignalSample{}, false
	}
	return seq[len(seq)-1], true
}

// minBaselineSamples is the historical depth required before deviation
// scoring kicks in; below it the raw clamped value is used instead.
const minBaselineSamples = 3
