package authgate

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter or histogram.
type MetricID uint16

const (
	// MetricLoginSuccess counts logins that set a session.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins that returned an error.
	MetricLoginFailure
	// MetricLoginSuperseded counts completed logins discarded by LoginLastStartedWins.
	MetricLoginSuperseded
	// MetricRegisterSuccess is an exported constant or variable used by the authentication engine.
	MetricRegisterSuccess
	// MetricRegisterPending counts registrations awaiting email verification.
	MetricRegisterPending
	// MetricRegisterFailure is an exported constant or variable used by the authentication engine.
	MetricRegisterFailure
	// MetricLogout counts logout calls, including those whose remote sign-out failed.
	MetricLogout
	// MetricLogoutRemoteFailure counts logouts whose remote sign-out failed.
	MetricLogoutRemoteFailure
	// MetricRefreshSuccess is an exported constant or variable used by the authentication engine.
	MetricRefreshSuccess
	// MetricRefreshFailure is an exported constant or variable used by the authentication engine.
	MetricRefreshFailure
	// MetricRefreshDeferred counts timer refreshes postponed after connectivity failures.
	MetricRefreshDeferred
	// MetricSessionRestored is an exported constant or variable used by the authentication engine.
	MetricSessionRestored
	// MetricSessionCleared counts transitions to no session.
	MetricSessionCleared
	// MetricSessionExpired counts sessions dropped at expiry.
	MetricSessionExpired
	// MetricPrimarySuccess is an exported constant or variable used by the authentication engine.
	MetricPrimarySuccess
	// MetricPrimaryFailure counts connectivity failures of the primary provider.
	MetricPrimaryFailure
	// MetricPrimaryRejected counts domain refusals by the primary provider.
	MetricPrimaryRejected
	// MetricFallbackUsed is an exported constant or variable used by the authentication engine.
	MetricFallbackUsed
	// MetricFallbackFailure is an exported constant or variable used by the authentication engine.
	MetricFallbackFailure
	// MetricBreakerShortCircuit counts calls the open breaker kept from the primary.
	MetricBreakerShortCircuit
	// MetricBreakerOpened counts transitions into the open state.
	MetricBreakerOpened
	// MetricThrottleHit counts requests denied by the email-action throttle.
	MetricThrottleHit
	// MetricPasswordResetRequest is an exported constant or variable used by the authentication engine.
	MetricPasswordResetRequest
	// MetricPasswordResetConfirm is an exported constant or variable used by the authentication engine.
	MetricPasswordResetConfirm
	// MetricPasswordChangeSuccess is an exported constant or variable used by the authentication engine.
	MetricPasswordChangeSuccess
	// MetricPasswordChangeFailure is an exported constant or variable used by the authentication engine.
	MetricPasswordChangeFailure
	// MetricEmailVerificationSuccess is an exported constant or variable used by the authentication engine.
	MetricEmailVerificationSuccess
	// MetricEmailVerificationFailure is an exported constant or variable used by the authentication engine.
	MetricEmailVerificationFailure
	// MetricProviderLatency is the primary-call latency histogram.
	MetricProviderLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters. A nil or disabled Metrics
// ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all metrics. Histogram slices
// hold per-bucket (not cumulative) counts for bounds of 5, 10, 25, 50, 100,
// 250 and 500 ms plus overflow.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics describes the newmetrics operation and its observable behavior.
//
// NewMetrics does not mutate shared global state and can be used concurrently.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether histograms are being recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc describes the inc operation and its observable behavior.
//
// Inc is safe for concurrent use and never blocks.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into id's histogram. Only histogram IDs are accepted.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if !isHistogram(id) {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot describes the snapshot operation and its observable behavior.
//
// Snapshot reads each counter atomically; the set as a whole is not a
// consistent cut under concurrent updates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if isHistogram(id) {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricProviderLatency].buckets[i])
		}
		s.Histograms[MetricProviderLatency] = buckets
	}

	return s
}

func isHistogram(id MetricID) bool {
	return id == MetricProviderLatency
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
