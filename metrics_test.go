package authgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/provider/providerfake"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricRefreshSuccess); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricProviderLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricProviderLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginFailure)
	m.Inc(MetricLoginFailure)
	m.Observe(MetricProviderLatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("expected MetricLoginSuccess=1 got %d", snap.Counters[MetricLoginSuccess])
	}
	if snap.Counters[MetricLoginFailure] != 2 {
		t.Fatalf("expected MetricLoginFailure=2 got %d", snap.Counters[MetricLoginFailure])
	}
	if len(snap.Histograms[MetricProviderLatency]) != 8 {
		t.Fatalf("expected histogram length 8")
	}
	if snap.Histograms[MetricProviderLatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricProviderLatency][0])
	}
}

func TestMetricsObserveIgnoresCounterIDs(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	if _, ok := snap.Histograms[MetricLoginSuccess]; ok {
		t.Fatal("counter id must not get a histogram")
	}
	if _, ok := snap.Counters[MetricProviderLatency]; ok {
		t.Fatal("histogram id must not appear among counters")
	}
}

func TestEngineCountsPrimaryAndFallbackRoutes(t *testing.T) {
	h := newHarness(t, withMetrics())
	h.fake.AddUser("alice@example.com", "correct-horse-1", "Alice")
	h.fallback.AddUser("alice@example.com", "correct-horse-1", "Alice")

	if _, err := h.engine.Login(context.Background(), "alice@example.com", "correct-horse-1"); err != nil {
		t.Fatalf("primary login: %v", err)
	}
	h.fake.FailNext(providerfake.OpSignIn, providerfake.ErrUnreachable)
	if _, err := h.engine.Login(context.Background(), "alice@example.com", "correct-horse-1"); err != nil {
		t.Fatalf("fallback login: %v", err)
	}

	snap := h.engine.MetricsSnapshot()
	want := map[MetricID]uint64{
		MetricLoginSuccess:   2,
		MetricPrimarySuccess: 1,
		MetricPrimaryFailure: 1,
		MetricFallbackUsed:   1,
	}
	for id, v := range want {
		if got := snap.Counters[id]; got != v {
			t.Fatalf("metric %d = %d, want %d", id, got, v)
		}
	}
	var samples uint64
	for _, b := range snap.Histograms[MetricProviderLatency] {
		samples += b
	}
	if samples != 2 {
		t.Fatalf("expected 2 latency samples, got %d", samples)
	}
}
