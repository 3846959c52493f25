package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stream collects events from multiple sources and dispatches to
// subscribers. It uses batching to reduce consumer churn and sequence
// numbers for proper ordering. Emitters never block: a slow subscriber
// drops events rather than stalling the pipeline.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextSub     uint64
	enabled     atomic.Bool

	// Batching configuration
	batchWindow time.Duration
	batchLimit  int

	buffer     []Event
	bufferMu   sync.Mutex
	flushTimer *time.Timer

	// Temporal ordering
	sequence atomic.Uint64

	// Filtering; empty means all kinds allowed.
	kinds map[Kind]bool
}

// Subscription is one reader's handle on the stream. Events arrive on the
// channel from Events; Cancel detaches the reader and closes it.
type Subscription struct {
	id     uint64
	ch     chan Event
	stream *Stream
}

// Events returns the subscriber's receive channel.
func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once and after the stream itself has closed.
func (sub *Subscription) Cancel() {
	sub.stream.drop(sub.id)
}

// NewStream creates an event stream with default batching.
func NewStream() *Stream {
	return &Stream{
		subscribers: make(map[uint64]chan Event),
		batchWindow: 100 * time.Millisecond,
		batchLimit:  10,
		buffer:      make([]Event, 0, 20),
		kinds:       make(map[Kind]bool),
	}
}

// Enable activates the stream.
func (s *Stream) Enable() {
	s.enabled.Store(true)
}

// Disable deactivates the stream and flushes pending events.
func (s *Stream) Disable() {
	s.enabled.Store(false)
	s.Flush()
}

// IsEnabled returns true if the stream is active.
func (s *Stream) IsEnabled() bool {
	return s.enabled.Load()
}

// SetKinds restricts emission to the given kinds. Empty means all.
func (s *Stream) SetKinds(kinds []Kind) {
	s.mu.Lock()
	s.kinds = make(map[Kind]bool)
	for _, k := range kinds {
		s.kinds[k] = true
	}
	s.mu.Unlock()
}

// Subscribe attaches a new reader. The channel is buffered so emitters
// never block on it.
func (s *Stream) Subscribe() *Subscription {
	ch := make(chan Event, 50)
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = ch
	s.mu.Unlock()
	return &Subscription{id: id, ch: ch, stream: s}
}

// drop removes a subscriber by id and closes its channel. Unknown ids are
// a no-op, which makes cancellation idempotent.
func (s *Stream) drop(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subscribers[id]
	if !ok {
		return
	}
	delete(s.subscribers, id)
	close(ch)
}

// Emit sends an event to all subscribers (with batching).
// Safe to call from any goroutine.
func (s *Stream) Emit(event Event) {
	if !s.enabled.Load() {
		return
	}

	s.mu.RLock()
	if len(s.kinds) > 0 && !s.kinds[event.Kind] {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	event.ID = s.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.bufferMu.Lock()
	s.buffer = append(s.buffer, event)

	if len(s.buffer) >= s.batchLimit {
		s.flushLocked()
	} else if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.batchWindow, func() {
			s.bufferMu.Lock()
			s.flushLocked()
			s.bufferMu.Unlock()
		})
	}
	s.bufferMu.Unlock()
}

// EmitImmediate bypasses batching for events that should appear instantly
// (guardrail vetoes, resource breaches).
func (s *Stream) EmitImmediate(event Event) {
	if !s.enabled.Load() {
		return
	}

	s.mu.RLock()
	if len(s.kinds) > 0 && !s.kinds[event.Kind] {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	event.ID = s.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.RLock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default: // Drop if channel full
		}
	}
	s.mu.RUnlock()
}

// Flush dispatches all buffered events immediately.
func (s *Stream) Flush() {
	s.bufferMu.Lock()
	s.flushLocked()
	s.bufferMu.Unlock()
}

// flushLocked sends buffered events (must hold bufferMu).
func (s *Stream) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}

	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}

	sort.Slice(s.buffer, func(i, j int) bool {
		return s.buffer[i].ID < s.buffer[j].ID
	})

	s.mu.RLock()
	for _, ch := range s.subscribers {
		for _, event := range s.buffer {
			select {
			case ch <- event:
			default: // Drop if channel full
			}
		}
	}
	s.mu.RUnlock()

	s.buffer = s.buffer[:0]
}

// Close shuts down the stream and all subscriber channels.
func (s *Stream) Close() {
	s.Disable()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Stats returns current stream statistics.
func (s *Stream) Stats() StreamStats {
	s.mu.RLock()
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	defer s.mu.RUnlock()

	return StreamStats{
		Enabled:         s.enabled.Load(),
		SubscriberCount: len(s.subscribers),
		BufferedEvents:  len(s.buffer),
		TotalEmitted:    s.sequence.Load(),
	}
}

// StreamStats holds stream statistics.
type StreamStats struct {
	Enabled         bool
	SubscriberCount int
	BufferedEvents  int
	TotalEmitted    uint64
}
