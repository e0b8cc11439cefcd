package tokencore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// blockingSink holds the dispatcher goroutine inside Emit until released,
// making backpressure deterministic.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	received []SecurityEvent
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *blockingSink) Emit(_ context.Context, event SecurityEvent) {
	s.entered <- struct{}{}
	<-s.release

	s.mu.Lock()
	s.received = append(s.received, event)
	s.mu.Unlock()
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestDispatcherDeliversEvents(t *testing.T) {
	sink := NewChannelSink(8)
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 8, DropIfFull: true}, sink)

	d.Emit(context.Background(), SecurityEvent{Kind: EventTokenRevoked, PrincipalID: "alice"})
	d.Close()

	select {
	case ev := <-sink.Events():
		if ev.Kind != EventTokenRevoked || ev.PrincipalID != "alice" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	if got := d.Dropped(); got != 0 {
		t.Fatalf("expected 0 drops, got %d", got)
	}
}

func TestDispatcherShedsUnderBackpressure(t *testing.T) {
	sink := newBlockingSink()
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// first event: wait until the consumer is stuck inside the sink
	d.Emit(context.Background(), SecurityEvent{Kind: EventIPAnomaly})
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never picked up the first event")
	}

	// second fills the buffer, third is shed
	d.Emit(context.Background(), SecurityEvent{Kind: EventIPAnomaly})
	d.Emit(context.Background(), SecurityEvent{Kind: EventIPAnomaly})

	if got := d.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}

	close(sink.release)
	d.Close()

	if got := sink.count(); got != 2 {
		t.Fatalf("expected 2 delivered events, got %d", got)
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(16)
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 16, DropIfFull: true}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), SecurityEvent{Kind: EventRefreshRotation})
	}
	d.Close()

	delivered := 0
	for {
		select {
		case <-sink.Events():
			delivered++
			if delivered == 5 {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 5 events after close, got %d", delivered)
		}
	}
}

func TestDispatcherDisabled(t *testing.T) {
	d := newEventDispatcher(EventConfig{Enabled: false}, NewChannelSink(1))
	if d != nil {
		t.Fatal("disabled dispatcher must be nil")
	}
	// nil dispatcher methods are no-ops
	d.Emit(context.Background(), SecurityEvent{Kind: EventIPAnomaly})
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
	d.Close()
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := NewChannelSink(4)
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 4, DropIfFull: true}, sink)
	d.Close()

	// must neither block nor panic
	d.Emit(context.Background(), SecurityEvent{Kind: EventIPAnomaly})
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), SecurityEvent{
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:        EventRefreshReuse,
		PrincipalID: "alice",
		Reason:      ReasonCompromise,
	})
	sink.Emit(context.Background(), SecurityEvent{Kind: EventRevokeAll, PrincipalID: "alice"})

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var ev SecurityEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		if ev.PrincipalID != "alice" {
			t.Fatalf("unexpected principal %q", ev.PrincipalID)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestNoOpSink(t *testing.T) {
	// must not panic
	NoOpSink{}.Emit(context.Background(), SecurityEvent{Kind: EventIPAnomaly})
}
