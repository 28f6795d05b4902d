package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind classifies pool diagnostics events.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventClosed        EventKind = "closed"
	EventLeakSuspected EventKind = "leak_suspected"
	EventBucketPurged  EventKind = "bucket_purged"
)

// Event is a diagnostics notification. Sinks receive events on a dedicated
// goroutine and never slow down acquisition or release.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Pool    string        `json:"pool"`
	EntryID int64         `json:"entry_id,omitempty"`
	Held    time.Duration `json:"held,omitempty"`
	Count   int           `json:"count,omitempty"`
	At      time.Time     `json:"at"`
}

// Sink consumes pool events.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

const eventBuffer = 256

// notifier fans events out to sinks from a single goroutine. Events are
// dropped, and counted, when the buffer is full.
type notifier struct {
	sinks   []Sink
	ch      chan Event
	log     *zap.Logger
	dropped func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newNotifier(sinks []Sink, log *zap.Logger, dropped func()) *notifier {
	n := &notifier{
		sinks:   sinks,
		ch:      make(chan Event, eventBuffer),
		log:     log,
		dropped: dropped,
		done:    make(chan struct{}),
	}
	if len(sinks) == 0 {
		close(n.done)
		return n
	}
	go n.loop()
	return n
}

func (n *notifier) emit(ev Event) {
	if len(n.sinks) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- ev:
	default:
		if n.dropped != nil {
			n.dropped()
		}
	}
}

func (n *notifier) loop() {
	defer close(n.done)
	for ev := range n.ch {
		for _, s := range n.sinks {
			n.publish(s, ev)
		}
	}
}

func (n *notifier) publish(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("event sink panicked", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
		}
	}()
	s.Publish(ev)
}

// close delivers buffered events and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		if len(n.sinks) > 0 {
			close(n.ch)
		}
	}
	n.mu.Unlock()
	<-n.done
}
