package processor

import (
	"sync"
	"sync/atomic"
	"time"
)

// ServiceMetrics keeps in-process counters for the periodic log report.
// Prometheus carries the same numbers for dashboards.
type ServiceMetrics struct {
	mu              sync.RWMutex
	outcomes        map[Outcome]*atomic.Int64
	acksApplied     atomic.Int64
	acksFailed      atomic.Int64
	totalDurationNs atomic.Int64
	dispatched      atomic.Int64
	lastResetNs     atomic.Int64
}

func NewServiceMetrics() *ServiceMetrics {
	m := &ServiceMetrics{outcomes: make(map[Outcome]*atomic.Int64)}
	m.lastResetNs.Store(time.Now().UnixNano())
	return m
}

func (m *ServiceMetrics) RecordOutcome(outcome Outcome, duration time.Duration) {
	m.counter(outcome).Add(1)
	m.dispatched.Add(1)
	m.totalDurationNs.Add(int64(duration))
}

func (m *ServiceMetrics) RecordAck(err error) {
	if err != nil {
		m.acksFailed.Add(1)
		return
	}
	m.acksApplied.Add(1)
}

func (m *ServiceMetrics) Outcome(outcome Outcome) int64 {
	return m.counter(outcome).Load()
}

func (m *ServiceMetrics) counter(outcome Outcome) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.outcomes[outcome]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.outcomes[outcome]; !ok {
		c = &atomic.Int64{}
		m.outcomes[outcome] = c
	}
	return c
}

func (m *ServiceMetrics) GetStats() map[string]interface{} {
	dispatched := m.dispatched.Load()
	elapsed := time.Since(time.Unix(0, m.lastResetNs.Load())).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(dispatched) / elapsed
	}
	avg := time.Duration(0)
	if dispatched > 0 {
		avg = time.Duration(m.totalDurationNs.Load() / dispatched)
	}

	stats := map[string]interface{}{
		"dispatched":      dispatched,
		"acks_applied":    m.acksApplied.Load(),
		"acks_failed":     m.acksFailed.Load(),
		"rate_per_second": rate,
		"avg_duration_ms": avg.Milliseconds(),
		"uptime_seconds":  elapsed,
	}

	m.mu.RLock()
	for outcome, c := range m.outcomes {
		stats["outcome_"+string(outcome)] = c.Load()
	}
	m.mu.RUnlock()

	return stats
}

func (m *ServiceMetrics) Reset() {
	m.mu.Lock()
	m.outcomes = make(map[Outcome]*atomic.Int64)
	m.mu.Unlock()
	m.acksApplied.Store(0)
	m.acksFailed.Store(0)
	m.dispatched.Store(0)
	m.totalDurationNs.Store(0)
	m.lastResetNs.Store(time.Now().UnixNano())
}
