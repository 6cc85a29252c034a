package breaker

import (
	"time"
)

// EventType categorizes circuit breaker events.
type EventType string

const (
	// EventStateChange records a transition between states.
	EventStateChange EventType = "state_change"

	// EventFailure records a failed protected call.
	EventFailure EventType = "failure"
)

// Event is one observable circuit breaker occurrence.
type Event struct {
	Time time.Time `json:"time"`
	Type EventType `json:"type"`
	From State     `json:"from,omitempty"`
	To   State     `json:"to,omitempty"`
	Err  string    `json:"error,omitempty"`
}

// EventSink receives breaker events for external persistence or alerting.
type EventSink interface {
	Record(Event) error
}

// eventLog is a bounded ring buffer of events. When full, the oldest entry
// is evicted.
type eventLog struct {
	buf   []Event
	next  int
	count int
}

func newEventLog(size int) *eventLog {
	return &eventLog{buf: make([]Event, size)}
}

func (l *eventLog) append(ev Event) {
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// snapshot returns the retained events oldest first.
func (l *eventLog) snapshot() []Event {
	out := make([]Event, 0, l.count)
	start := l.next - l.count
	if start < 0 {
		start += len(l.buf)
	}
	for i := 0; i < l.count; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}
