package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	// Strategy is the route that served the call: primary, fallback or
	// unavailable.
	Strategy string            `json:"strategy,omitempty"`
	Success  bool              `json:"success"`
	Code     string            `json:"code,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// ZerologSink writes events as structured log lines at info level, failures
// at warn.
type ZerologSink struct {
	log zerolog.Logger
}

func NewZerologSink(l zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: l.With().Str("component", "audit").Logger()}
}

func (s *ZerologSink) Emit(_ context.Context, event Event) {
	ev := s.log.Info()
	if !event.Success {
		ev = s.log.Warn()
	}
	ev = ev.Time("at", event.Timestamp).
		Str("event", event.EventType).
		Bool("success", event.Success)
	if event.UserID != "" {
		ev = ev.Str("user_id", event.UserID)
	}
	if event.Email != "" {
		ev = ev.Str("email", event.Email)
	}
	if event.RequestID != "" {
		ev = ev.Str("request_id", event.RequestID)
	}
	if event.Strategy != "" {
		ev = ev.Str("strategy", event.Strategy)
	}
	if event.Code != "" {
		ev = ev.Str("code", event.Code)
	}
	if event.Error != "" {
		ev = ev.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		dict := zerolog.Dict()
		for k, v := range event.Metadata {
			dict = dict.Str(k, v)
		}
		ev = ev.Dict("meta", dict)
	}
	ev.Msg("audit")
}
