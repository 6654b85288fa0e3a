package loop

import "time"

// EventType enumerates the runner's lifecycle notifications.
type EventType string

const (
	EventLoopStarted   EventType = "loop_started"
	EventLoopStopped   EventType = "loop_stopped"
	EventTickStarted   EventType = "tick_started"
	EventTickPassed    EventType = "tick_passed"
	EventTickFailed    EventType = "tick_failed"
	EventTickCompleted EventType = "tick_completed"
	EventError         EventType = "error"
)

// Event is one lifecycle notification. Per tick the runner emits, in order:
// tick_started, then tick_passed or tick_failed, then tick_completed.
type Event struct {
	Type      EventType `json:"type"`
	Iteration int64     `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Err       error     `json:"-"`
}

// Sink receives runner events. Emit is called synchronously from the loop
// goroutine in emission order; a slow sink slows the loop rather than losing
// or reordering events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// NopSink discards all events.
var NopSink = SinkFunc(func(Event) {})

// ChannelSink forwards events to a channel. The send blocks when the buffer
// is full so completion notifications cannot be dropped; consumers must keep
// draining C.
type ChannelSink struct {
	C chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ev Event) { s.C <- ev }
