package consensus

import (
	"sync"
	"time"
)

// Metrics counts voting rounds and tracks how long they take to finalize.
type Metrics struct {
	started        int64
	accepted       int64
	rejected       int64
	averageLatency time.Duration
	lastUpdate     time.Time
	mu             sync.RWMutex
}

// Stats is a snapshot of Metrics.
type Stats struct {
	Started        int64
	Accepted       int64
	Rejected       int64
	Open           int64
	AverageLatency time.Duration
	LastUpdate     time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementStarted counts a newly opened round.
func (m *Metrics) IncrementStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	m.lastUpdate = time.Now()
}

// RecordFinalized counts a closed round and folds its latency into the
// moving average.
func (m *Metrics) RecordFinalized(accepted bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accepted+m.rejected == 0 {
		m.averageLatency = latency
	} else {
		alpha := 0.1
		m.averageLatency = time.Duration(float64(m.averageLatency)*(1-alpha) + float64(latency)*alpha)
	}
	if accepted {
		m.accepted++
	} else {
		m.rejected++
	}
	m.lastUpdate = time.Now()
}

// GetStats returns the current counters.
func (m *Metrics) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Started:        m.started,
		Accepted:       m.accepted,
		Rejected:       m.rejected,
		Open:           m.started - m.accepted - m.rejected,
		AverageLatency: m.averageLatency,
		LastUpdate:     m.lastUpdate,
	}
}
