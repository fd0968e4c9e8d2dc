package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
)

// Bus is a non-blocking event bus that fans out events to subscribers.
// The event channel is buffered; if full, events are dropped with a warning
// so that packet processing never waits on a sink.
type Bus struct {
	ch          chan Event
	subscribers []chan Event
	mu          sync.RWMutex
	logger      *slog.Logger
	drops       atomic.Uint64
	done        chan struct{}
	stopped     chan struct{} // closed once buffered events are delivered
	stopOnce    sync.Once
	running     atomic.Bool
}

// NewBus creates a new event bus with the given buffer size.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Bus{
		ch:      make(chan Event, bufferSize),
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins dispatching events to subscribers. Call in a goroutine.
// It returns after Stop, once the buffered events have been delivered.
func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	defer close(b.stopped)

	for {
		select {
		case evt := <-b.ch:
			b.fanOut(evt)
		case <-b.done:
			b.drain()
			return
		}
	}
}

// drain delivers what is already buffered.
func (b *Bus) drain() {
	for {
		select {
		case evt := <-b.ch:
			b.fanOut(evt)
		default:
			return
		}
	}
}

func (b *Bus) fanOut(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
			// Subscriber channel full, drop event
			b.logger.Warn("subscriber event buffer full, dropping event",
				"event_type", string(evt.Type))
		}
	}
}

// Stop shuts down the event bus and returns once every buffered event has
// been handed to the subscribers, so subscribers should be stopped after the
// bus. Safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.running.CompareAndSwap(false, true) {
			// Start never ran
			b.drain()
			close(b.stopped)
		}
		<-b.stopped
	})
}

// Publish sends an event to the bus. Non-blocking; drops if buffer is full.
func (b *Bus) Publish(evt Event) {
	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	select {
	case b.ch <- evt:
	default:
		total := b.drops.Add(1)
		metrics.EventBufferDrops.Inc()
		b.logger.Warn("event bus buffer full, dropping event",
			"event_type", string(evt.Type),
			"total_drops", total)
	}
}

// Subscribe returns a new channel that receives all events from the bus.
// The caller should read from the channel to avoid drops.
func (b *Bus) Subscribe(bufferSize int) chan Event {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel from the bus and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Drops returns the total number of dropped events.
func (b *Bus) Drops() uint64 {
	return b.drops.Load()
}
