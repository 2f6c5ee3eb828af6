package gatt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/wire/att"
)

// State is the discovery state of a Client
type State int32

const (
	StateIdle State = iota
	StateDiscoveringPrimaryServices
	StateDiscoveringIncludes
	StateDiscoveringCharacteristics
	StateDiscoveringDescriptors
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscoveringPrimaryServices:
		return "discovering-primary-services"
	case StateDiscoveringIncludes:
		return "discovering-includes"
	case StateDiscoveringCharacteristics:
		return "discovering-characteristics"
	case StateDiscoveringDescriptors:
		return "discovering-descriptors"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// OperationTracer receives one record per completed GATT operation
type OperationTracer interface {
	LogGATTOperation(operation string, handle uint16, data []byte, err error)
}

// DefaultEventBuffer is the capacity of the consumer-facing event channel
const DefaultEventBuffer = 16

// busyRetryInterval paces retries while the bearer waits for an indication confirmation
const busyRetryInterval = 5 * time.Millisecond

// ClientOption configures a Client
type ClientOption func(*Client)

// WithServiceFilter limits primary discovery to the given service UUIDs
func WithServiceFilter(uuids ...UUID) ClientOption {
	return func(c *Client) { c.filter = append([]UUID{}, uuids...) }
}

// WithEventBuffer sets the capacity of the event channel
func WithEventBuffer(n int) ClientOption {
	return func(c *Client) { c.eventBuffer = n }
}

// WithOperationTracer records every GATT operation
func WithOperationTracer(tr OperationTracer) ClientOption {
	return func(c *Client) { c.tracer = tr }
}

// WithClientLogPrefix sets the logger component name
func WithClientLogPrefix(prefix string) ClientOption {
	return func(c *Client) { c.logPrefix = prefix }
}

type handleRange struct {
	start, end uint16
}

// Client discovers a remote GATT server over an ATT transport, mirrors it in
// a Database, and runs reads, writes and subscriptions against it. All
// database mutation happens on the client's own goroutine.
type Client struct {
	t      *att.Transport
	db     *Database
	events *eventQueue

	filter      []UUID
	eventBuffer int
	tracer      OperationTracer
	logPrefix   string

	reqSem chan struct{}
	state  atomic.Int32

	subMu     sync.Mutex
	subs      map[uint]*subscription
	byHandle  map[uint16][]*subscription
	arming    map[uint16]*arming
	nextSubID uint

	changeMu     sync.Mutex
	changes      []handleRange
	changeSignal chan struct{}

	// value handle of the Service Changed characteristic, 0 if absent
	scHandle atomic.Uint32

	handlerID uint
	dbObsID   uint

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewClient creates a client on an open transport. Discovery begins with Start.
func NewClient(t *att.Transport, db *Database, opts ...ClientOption) *Client {
	c := &Client{
		t:            t,
		db:           db,
		eventBuffer:  DefaultEventBuffer,
		logPrefix:    "GATT",
		reqSem:       make(chan struct{}, 1),
		subs:         make(map[uint]*subscription),
		byHandle:     make(map[uint16][]*subscription),
		arming:       make(map[uint16]*arming),
		changeSignal: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.events = newEventQueue(c.eventBuffer)

	c.dbObsID = db.Register(
		func(s *Service) {
			c.events.push(ServiceAddedEvent{StartHandle: s.StartHandle, EndHandle: s.EndHandle, UUID: s.UUID, Primary: s.Primary})
		},
		func(s *Service) {
			c.events.push(ServiceRemovedEvent{StartHandle: s.StartHandle, EndHandle: s.EndHandle, UUID: s.UUID, Primary: s.Primary})
		},
	)
	c.handlerID = t.RegisterHandler(c.handleValue)
	return c
}

// Start launches the client goroutine, which runs the initial discovery and
// then services Service Changed indications until Stop or disconnect.
func (c *Client) Start() {
	c.startOnce.Do(func() { go c.run() })
}

// Stop cancels discovery, waits for the client goroutine and closes the
// event channel. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
		c.t.UnregisterHandler(c.handlerID)
		c.db.Unregister(c.dbObsID)
		c.events.close()
	})
}

// Events is the single consumer-facing event stream. It is closed by Stop.
func (c *Client) Events() <-chan Event {
	return c.events.out
}

// Database returns the mirrored attribute database
func (c *Client) Database() *Database {
	return c.db
}

// State returns the current discovery state
func (c *Client) State() State {
	return State(c.state.Load())
}

// MTU returns the negotiated ATT MTU
func (c *Client) MTU() int {
	return c.t.MTU()
}

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		logger.Debug(c.logPrefix, "state %s -> %s", old, s)
	}
}

func (c *Client) ready() error {
	if c.State() != StateReady {
		return errors.Wrapf(ErrNotReady, "state %s", c.State())
	}
	return nil
}

func (c *Client) trace(op string, handle uint16, data []byte, err error) {
	if c.tracer != nil {
		c.tracer.LogGATTOperation(op, handle, data, err)
	}
}

func (c *Client) run() {
	defer close(c.done)

	c.initialDiscovery()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.t.Done():
			c.setState(StateIdle)
			if cause := c.t.Err(); cause != nil {
				c.events.push(DisconnectEvent{Err: errors.Wrap(att.ErrDisconnected, cause.Error())})
			}
			return
		case <-c.changeSignal:
			for {
				r, ok := c.popChange()
				if !ok {
					break
				}
				c.handleServiceChanged(r)
				if c.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// do sends one request and waits for its response. Requests from discovery
// and from consumer goroutines are serialized here so they never collide on
// the bearer's single outstanding slot.
func (c *Client) do(ctx context.Context, req att.PDU) (att.PDU, error) {
	select {
	case c.reqSem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(att.ErrCancelled, ctx.Err().Error())
	}
	defer func() { <-c.reqSem }()

	for {
		pending, err := c.t.SendRequest(req)
		if errors.Is(err, att.ErrProtocolBusy) {
			select {
			case <-time.After(busyRetryInterval):
				continue
			case <-ctx.Done():
				return nil, errors.Wrap(att.ErrCancelled, ctx.Err().Error())
			}
		}
		if err != nil {
			return nil, err
		}
		return pending.Wait(ctx)
	}
}

// handleValue runs on the transport read loop and must not block
func (c *Client) handleValue(handle uint16, value []byte, indication bool) {
	if sc := uint16(c.scHandle.Load()); sc != InvalidHandle && handle == sc {
		start, end, err := ServiceChangedRange(value)
		if err != nil {
			logger.Warn(c.logPrefix, "⚠️  ignoring service changed value: %v", err)
		} else {
			logger.Info(c.logPrefix, "🔄 Service changed: 0x%04X-0x%04X", start, end)
			c.pushChange(handleRange{start: start, end: end})
		}
	}
	c.deliver(Notification{ValueHandle: handle, Value: value, Indication: indication})
}

func (c *Client) pushChange(r handleRange) {
	if r.start == InvalidHandle {
		r.start = MinHandle
	}
	if r.end < r.start {
		r.end = MaxHandle
	}
	c.changeMu.Lock()
	c.changes = append(c.changes, r)
	c.changeMu.Unlock()

	select {
	case c.changeSignal <- struct{}{}:
	default:
	}
}

func (c *Client) popChange() (handleRange, bool) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	if len(c.changes) == 0 {
		return handleRange{}, false
	}
	r := c.changes[0]
	c.changes = c.changes[1:]
	return r, true
}
