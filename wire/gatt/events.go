package gatt

import (
	"sync"
)

// Event is delivered on the client's single event stream. The concrete
// types are ReadyEvent, ServiceAddedEvent, ServiceRemovedEvent,
// ServiceChangedEvent, WriteCompleteEvent and DisconnectEvent.
type Event interface {
	isEvent()
}

// ReadyEvent reports the end of the initial discovery. It is sent once.
// Success is false only for fatal failures (disconnect, cancel, timeout);
// Err is non-nil for partial results too.
type ReadyEvent struct {
	Success bool
	Code    uint8 // ATT error code of the failure, 0 if none
	Err     error
}

// ServiceAddedEvent is sent when a service is committed to the database
type ServiceAddedEvent struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        UUID
	Primary     bool
}

// ServiceRemovedEvent is sent when a service is cleared from the database
type ServiceRemovedEvent struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        UUID
	Primary     bool
}

// ServiceChangedEvent is sent after a changed range has been re-discovered.
// Err is fatal (att.IsFatal) when the re-discovery was aborted, and a
// *DiscoveryError for partial results.
type ServiceChangedEvent struct {
	StartHandle uint16
	EndHandle   uint16
	Err         error
}

// WriteCompleteEvent is sent when a write with response finishes
type WriteCompleteEvent struct {
	Handle  uint16
	Success bool
	Code    uint8
	Err     error
}

// DisconnectEvent is sent once when the remote side drops the bearer
type DisconnectEvent struct {
	Err error
}

func (ReadyEvent) isEvent()          {}
func (ServiceAddedEvent) isEvent()   {}
func (ServiceRemovedEvent) isEvent() {}
func (ServiceChangedEvent) isEvent() {}
func (WriteCompleteEvent) isEvent()  {}
func (DisconnectEvent) isEvent()     {}

// Notification is delivered to a subscriber channel
type Notification struct {
	ValueHandle uint16
	Value       []byte
	Indication  bool
}

// eventQueue decouples producers from the consumer: Push never blocks and
// a pump goroutine feeds the output channel in order.
type eventQueue struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue(buffer int) *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.queue = append(q.queue, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, false
	}
	ev := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return ev, true
}

func (q *eventQueue) pump() {
	defer close(q.done)
	defer close(q.out)
	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.quit:
				return
			}
		}
		select {
		case q.out <- ev:
		case <-q.quit:
			return
		}
	}
}

// close stops the pump; undelivered events are dropped and the output
// channel is closed
func (q *eventQueue) close() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}
