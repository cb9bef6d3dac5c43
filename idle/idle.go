// Package idle tracks chat silence and decides when the bot should talk to
// itself.
package idle

import (
	"sync"
	"time"
)

// DefaultThreshold is the silence after which self-talk fires.
const DefaultThreshold = 60 * time.Second

// Monitor records the last activity and reports when silence exceeds the
// threshold. It is safe for concurrent use.
type Monitor struct {
	threshold time.Duration

	mu   sync.Mutex
	last time.Time
}

// New returns a monitor whose clock starts at now.
func New(threshold time.Duration, now time.Time) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{threshold: threshold, last: now}
}

// Threshold returns the configured silence threshold.
func (m *Monitor) Threshold() time.Duration { return m.threshold }

// Touch records activity at t.
func (m *Monitor) Touch(t time.Time) {
	m.mu.Lock()
	if t.After(m.last) {
		m.last = t
	}
	m.mu.Unlock()
}

// Due reports whether more than the threshold has passed since the last
// activity. When it returns true the clock is reset to now, so the next
// self-talk needs another full threshold of silence.
func (m *Monitor) Due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.last) <= m.threshold {
		return false
	}
	m.last = now
	return true
}

// Silence returns how long it has been quiet as of now.
func (m *Monitor) Silence(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.last)
}
