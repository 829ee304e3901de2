// Package progress turns transfer and playback observations into a
// completion percentage that never goes backwards.
package progress

import (
	"sync"
	"time"
)

// Tracker is the read side shared by every estimator
type Tracker interface {
	Value() float64
	OnChange(fn func(percent float64))
	Close()
}

// Estimator holds a clamped, non-decreasing percentage
type Estimator struct {
	mu        sync.Mutex
	value     float64
	closed    bool
	listeners []func(float64)
}

// Value returns the current percentage in [0, 100]
func (e *Estimator) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// OnChange registers fn to be called with every increase
func (e *Estimator) OnChange(fn func(percent float64)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Close freezes the estimate; later observations are dropped
func (e *Estimator) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// update raises the value to percent. It reports whether the value changed.
func (e *Estimator) update(percent float64) bool {
	percent = clamp(percent)

	e.mu.Lock()
	if e.closed || percent <= e.value {
		e.mu.Unlock()
		return false
	}
	e.value = percent
	listeners := e.listeners
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(percent)
	}
	return true
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// SourceBased estimates progress from bytes accepted by the transport
type SourceBased struct {
	Estimator
	total int64
}

// NewSourceBased creates an estimator for a source of total bytes
func NewSourceBased(total int64) *SourceBased {
	return &SourceBased{total: total}
}

// ObserveBytes records the cumulative number of bytes sent
func (s *SourceBased) ObserveBytes(sent int64) bool {
	if s.total <= 0 {
		return s.update(100)
	}
	return s.update(float64(sent) / float64(s.total) * 100)
}

// Total returns the source length
func (s *SourceBased) Total() int64 {
	return s.total
}

// SinkBased estimates progress from the sink's buffered or played position
type SinkBased struct {
	Estimator
}

// NewSinkBased creates a sink-position estimator
func NewSinkBased() *SinkBased {
	return &SinkBased{}
}

// ObservePosition records the sink position against the total media
// duration. Observations without a known duration are ignored.
func (s *SinkBased) ObservePosition(pos, duration time.Duration) bool {
	if duration <= 0 {
		return false
	}
	return s.update(float64(pos) / float64(duration) * 100)
}

var (
	_ Tracker = (*SourceBased)(nil)
	_ Tracker = (*SinkBased)(nil)
)
