package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/authgate"
)

type fakeSource struct {
	snapshot authgate.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() authgate.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authgate.MetricsSnapshot{
			Counters:   map[authgate.MetricID]uint64{},
			Histograms: map[authgate.MetricID][]uint64{},
		},
	})
	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCountersAndLatencyHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authgate.MetricsSnapshot{
			Counters: map[authgate.MetricID]uint64{
				authgate.MetricLoginSuccess: 7,
				authgate.MetricFallbackUsed: 2,
			},
			Histograms: map[authgate.MetricID][]uint64{
				authgate.MetricProviderLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"authgate_login_success_total 7",
		"authgate_fallback_used_total 2",
		"authgate_breaker_opened_total 0",
		`authgate_provider_latency_seconds_bucket{le="0.005"} 1`,
		`authgate_provider_latency_seconds_bucket{le="+Inf"} 36`,
		"authgate_provider_latency_seconds_count 36",
		"authgate_audit_dropped_total 2",
		"# TYPE authgate_provider_latency_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authgate.MetricsSnapshot{
			Counters:   map[authgate.MetricID]uint64{authgate.MetricLoginSuccess: 1},
			Histograms: map[authgate.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRenderFromEngine(t *testing.T) {
	var engine *authgate.Engine
	exp := NewPrometheusExporter(engine)
	if got := exp.Render(); got != "" {
		t.Fatalf("nil engine should render nothing, got:\n%s", got)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authgate.MetricsSnapshot{
			Counters: map[authgate.MetricID]uint64{
				authgate.MetricLoginSuccess:   1000,
				authgate.MetricLoginFailure:   40,
				authgate.MetricRefreshSuccess: 800,
				authgate.MetricFallbackUsed:   12,
			},
			Histograms: map[authgate.MetricID][]uint64{
				authgate.MetricProviderLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
