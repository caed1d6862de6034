// Package progress fans OCR progress events out to per-image subscribers.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Milestones published by the job state machine.
const (
	Accepted    = 25  // job created, source file persisted
	Extracted   = 50  // engine attempt finished, success or not
	Placeholder = 75  // empty result replaced by the placeholder text
	Done        = 100 // result committed
)

// Event is either a progress value or the terminal completed marker.
type Event struct {
	ImageID   string `json:"imageId"`
	Progress  int    `json:"progress,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

func ProgressEvent(imageID string, value int) Event {
	return Event{ImageID: imageID, Progress: value}
}

func CompletedEvent(imageID string) Event {
	return Event{ImageID: imageID, Completed: true}
}

// Subscription receives events for one topic. C is closed on Unsubscribe.
type Subscription struct {
	Topic  string
	ConnID string
	C      <-chan Event

	ch      chan Event
	dropped atomic.Int64
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Broadcaster is a topic -> connection registry guarded by one mutex.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]map[string]*Subscription
	buffer int
	logger *slog.Logger
}

type Option func(*Broadcaster)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewBroadcaster(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		topics: make(map[string]map[string]*Subscription),
		buffer: 16,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe joins connID to topic. Only events published afterwards are delivered.
// Subscribing an already joined connID returns the existing subscription.
func (b *Broadcaster) Subscribe(topic, connID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns, ok := b.topics[topic]
	if !ok {
		conns = make(map[string]*Subscription)
		b.topics[topic] = conns
	}
	if sub, ok := conns[connID]; ok {
		return sub
	}
	ch := make(chan Event, b.buffer)
	sub := &Subscription{Topic: topic, ConnID: connID, C: ch, ch: ch}
	conns[connID] = sub
	b.logger.Debug("progress.subscribe", "topic", topic, "conn_id", connID)
	return sub
}

// Unsubscribe removes connID from topic and closes its channel. Unknown pairs are ignored.
func (b *Broadcaster) Unsubscribe(topic, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns, ok := b.topics[topic]
	if !ok {
		return
	}
	sub, ok := conns[connID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(b.topics, topic)
	}
	close(sub.ch)
	b.logger.Debug("progress.unsubscribe", "topic", topic, "conn_id", connID, "dropped", sub.Dropped())
}

// Publish delivers ev to every current subscriber of topic without blocking and
// returns how many received it. Publishing to a topic with no subscribers is a no-op.
func (b *Broadcaster) Publish(topic string, ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for connID, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			b.logger.Debug("progress.dropped", "topic", topic, "conn_id", connID, "progress", ev.Progress, "completed", ev.Completed)
		}
	}
	return delivered
}

// Subscribers reports the current subscriber count for topic.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
