package aggregator

import (
	"sync/atomic"
	"time"
)

type ServiceMetrics struct {
	incrementsApplied int64
	incrementsFailed  int64
	totalDurationNs   int64
	startedNs         int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		startedNs: time.Now().UnixNano(),
	}
}

func (m *ServiceMetrics) RecordSuccess(duration time.Duration) {
	atomic.AddInt64(&m.incrementsApplied, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
}

func (m *ServiceMetrics) RecordFailure() {
	atomic.AddInt64(&m.incrementsFailed, 1)
}

func (m *ServiceMetrics) GetStats() map[string]interface{} {
	applied := atomic.LoadInt64(&m.incrementsApplied)
	failed := atomic.LoadInt64(&m.incrementsFailed)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)
	startedNs := atomic.LoadInt64(&m.startedNs)

	elapsed := time.Since(time.Unix(0, startedNs)).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(applied) / elapsed
	}

	avgDuration := time.Duration(0)
	if applied > 0 {
		avgDuration = time.Duration(durationNs / applied)
	}

	return map[string]interface{}{
		"increments_applied": applied,
		"increments_failed":  failed,
		"rate_per_second":    rate,
		"avg_duration_ms":    avgDuration.Milliseconds(),
		"uptime_seconds":     elapsed,
	}
}
