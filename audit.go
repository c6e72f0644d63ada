package authgate

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/MrEthical07/authgate/internal/audit"
)

// AuditEvent is one audit record delivered to an AuditSink.
type AuditEvent = audit.Event

// AuditSink consumes audit events. Emit runs on the dispatcher goroutine,
// never on the caller's.
type AuditSink = audit.Sink

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc = audit.SinkFunc

// NoOpSink discards every event.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers events into a channel read through Events.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = audit.JSONWriterSink

// ZerologSink writes events as structured log lines.
type ZerologSink = audit.ZerologSink

// NewChannelSink returns a ChannelSink with the given buffer (min 1).
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing JSON lines to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewZerologSink returns a sink logging through l.
func NewZerologSink(l zerolog.Logger) *ZerologSink {
	return audit.NewZerologSink(l)
}
