package authgate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func collectEvents(sink *ChannelSink, max int, wait time.Duration) []AuditEvent {
	events := make([]AuditEvent, 0, max)
	timeout := time.After(wait)
	for len(events) < max {
		select {
		case ev := <-sink.Events():
			events = append(events, ev)
		case <-timeout:
			return events
		}
	}
	return events
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := &countingSink{}
	h := newHarness(t, withSink(sink), withConfig(func(c *Config) { c.Audit.Enabled = false }))
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")

	_, _ = h.engine.Login(context.Background(), "alice@example.com", "wrong-password-1")
	h.engine.Cleanup()

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
	if h.engine.AuditDropped() != 0 {
		t.Fatal("disabled audit cannot drop events")
	}
}

func TestAuditCleanupDrainsPendingEvents(t *testing.T) {
	sink := &countingSink{}
	h := newHarness(t, withSink(sink))

	for i := 0; i < 10; i++ {
		_, _ = h.engine.Login(context.Background(), "not-an-email", alicePassword)
	}
	h.engine.Cleanup()

	if got := sink.Count(); got != 10 {
		t.Fatalf("expected 10 delivered events after cleanup, got %d", got)
	}
}

func TestAuditDropsWhenBufferFull(t *testing.T) {
	sink := newGateSink()
	h := newHarness(t, withSink(sink), withConfig(func(c *Config) {
		c.Audit.BufferSize = 1
		c.Audit.DropIfFull = true
	}))
	t.Cleanup(func() { close(sink.gate) })

	start := time.Now()
	for i := 0; i < 6; i++ {
		_, _ = h.engine.Login(context.Background(), "not-an-email", alicePassword)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected emit not to block when DropIfFull is true")
	}
	if h.engine.AuditDropped() == 0 {
		t.Fatal("expected dropped counter to increment when the buffer is full")
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	sink := NewChannelSink(64)
	h := newHarness(t, withSink(sink))
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	ctx := context.Background()

	_, _ = h.engine.Login(ctx, "alice@example.com", bobPassword)
	res := h.login(t, "alice@example.com", alicePassword)
	if !h.engine.ForceTokenRefresh(ctx) {
		t.Fatal("forced refresh failed")
	}
	if err := h.engine.ChangePassword(ctx, PasswordChange{Current: alicePassword, New: bobPassword}); err != nil {
		t.Fatalf("change password: %v", err)
	}
	h.engine.Cleanup()

	events := collectEvents(sink, 16, 500*time.Millisecond)
	if len(events) < 4 {
		t.Fatalf("expected at least 4 audit events, got %d", len(events))
	}

	secrets := []string{alicePassword, bobPassword, res.AccessToken, res.RefreshToken}
	for _, ev := range events {
		fields := []string{ev.Error, ev.Code, ev.Email, ev.UserID}
		for k, v := range ev.Metadata {
			fields = append(fields, k, v)
		}
		for _, f := range fields {
			for _, secret := range secrets {
				if strings.Contains(f, secret) {
					t.Fatalf("secret leaked in %s event", ev.EventType)
				}
			}
		}
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: auditEventLoginSuccess,
		UserID:    "u1",
		Strategy:  string(StrategyFallback),
		Success:   true,
	})

	if !buf.Contains("login_success") {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains("\"user_id\":\"u1\"") {
		t.Fatal("expected JSON log line to contain user id")
	}
	if !buf.Contains("\"strategy\":\"fallback\"") {
		t.Fatal("expected JSON log line to contain strategy")
	}
}

func TestAuditThrottleEvent(t *testing.T) {
	sink := NewChannelSink(16)
	h := newHarness(t, withSink(sink), withMetrics())
	ctx := context.Background()

	_ = h.engine.ForgotPassword(ctx, "alice@example.com")
	_ = h.engine.ForgotPassword(ctx, "alice@example.com")
	h.engine.Cleanup()

	var throttled *AuditEvent
	for _, ev := range collectEvents(sink, 4, 500*time.Millisecond) {
		if ev.EventType == auditEventThrottleTriggered {
			ev := ev
			throttled = &ev
		}
	}
	if throttled == nil {
		t.Fatal("expected a throttle_triggered event")
	}
	if throttled.Code != string(CodeRateLimited) || throttled.Metadata["action"] != throttleActionPasswordReset {
		t.Fatalf("unexpected throttle event %+v", throttled)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricThrottleHit]; got != 1 {
		t.Fatalf("expected one throttle hit, got %d", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.buf), v)
}
