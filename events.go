package tokencore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Security event kinds emitted by the core. Consumers treat these as an
// append-only vocabulary.
const (
	EventRefreshReuse    = "refresh_reuse_detected"
	EventRevokeAll       = "revoke_all"
	EventSessionEvicted  = "session_evicted"
	EventDeviceMismatch  = "device_mismatch"
	EventIPAnomaly       = "ip_anomaly"
	EventTokenRevoked    = "token_revoked"
	EventRefreshRotation = "refresh_rotated"
)

// SecurityEvent is the structured record handed to the external security
// collaborator. Raw user agents and refresh secrets never appear here.
type SecurityEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	Kind        string            `json:"kind"`
	PrincipalID string            `json:"principal_id,omitempty"`
	TokenID     string            `json:"token_id,omitempty"`
	RecordID    string            `json:"record_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EventSink consumes security events. Emit must not block indefinitely;
// the dispatcher already decouples it from request goroutines.
type EventSink interface {
	Emit(ctx context.Context, event SecurityEvent)
}

// NoOpSink discards every event.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, SecurityEvent) {}

// ChannelSink forwards events to a buffered channel for test harnesses
// and custom pipelines.
type ChannelSink struct {
	events chan SecurityEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan SecurityEvent, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event SecurityEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan SecurityEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to w.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event SecurityEvent) {
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
