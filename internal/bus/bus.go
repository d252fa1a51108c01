// Package bus provides fire-and-forget event delivery between components.
package bus

import (
	"log"
	"sync/atomic"
	"time"
)

// EventType represents the type of bus event.
type EventType string

const (
	// EventCapabilityUpdated indicates an agent's capability set changed.
	EventCapabilityUpdated EventType = "agent.capability.updated"
	// EventReadyTasks indicates a scheduler pass computed a ready batch.
	EventReadyTasks EventType = "scheduler.ready_tasks"
	// EventLockWaitTime reports time spent waiting in a lock acquisition.
	EventLockWaitTime EventType = "lock.wait_time"
	// EventTaskTimedOut indicates a running task exceeded its timeout.
	EventTaskTimedOut EventType = "task.timed_out"
)

// Event is a single telemetry or lifecycle notification.
type Event struct {
	Type       EventType
	EntityType string
	EntityID   string
	Payload    map[string]any
	Timestamp  time.Time
}

// Publisher is the write side of the bus. Emit must never block callers
// indefinitely; publication failures are invisible to the emitting operation.
type Publisher interface {
	Emit(event Event)
}

// Emitter is a buffered, thread-safe Publisher with drop accounting.
type Emitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Try immediate send first
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout
	}

	// Try with 100ms timeout to give the receiver a chance to drain
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		// Timeout expired, drop the event
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[bus] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
// This should be called when the owning process is stopped.
func (e *Emitter) Close() {
	close(e.events)
}

// Nop is a Publisher that discards every event. Useful in tests and in
// code paths where no subscriber exists.
type Nop struct{}

// Emit discards the event.
func (Nop) Emit(Event) {}
