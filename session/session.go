// Package session ties one connected ATT channel to a GATT client: it opens
// the transport, negotiates the MTU, runs discovery and exposes the event
// stream and operations for the lifetime of the connection.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/util"
	"github.com/user/gattlink/wire/att"
	"github.com/user/gattlink/wire/debug"
	"github.com/user/gattlink/wire/gatt"
	"github.com/user/gattlink/wire/l2cap"
)

type config struct {
	mtu            int
	requestTimeout time.Duration
	confirmTimeout time.Duration
	filter         []gatt.UUID
	eventBuffer    int
	debug          bool
}

// Option configures Open
type Option func(*config)

// WithMTU sets the MTU offered in the exchange; 0 offers att.MaxMTU and a
// value at or below att.DefaultMTU skips the exchange
func WithMTU(mtu int) Option {
	return func(c *config) { c.mtu = mtu }
}

// WithRequestTimeout bounds every ATT request
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.requestTimeout = d }
}

// WithConfirmTimeout bounds indication handlers before the confirmation is sent
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *config) { c.confirmTimeout = d }
}

// WithServiceFilter limits primary discovery to the given services
func WithServiceFilter(uuids ...gatt.UUID) Option {
	return func(c *config) { c.filter = append(c.filter, uuids...) }
}

// WithEventBuffer sets the capacity of the Events channel
func WithEventBuffer(n int) Option {
	return func(c *config) { c.eventBuffer = n }
}

// WithDebug enables JSONL trace files under the session's debug directory
func WithDebug(enabled bool) Option {
	return func(c *config) { c.debug = enabled }
}

// Session is one GATT client connection
type Session struct {
	id     string
	prefix string

	transport *att.Transport
	db        *gatt.Database
	client    *gatt.Client
	debug     *debug.DebugLogger
	health    *debug.LinkHealthMonitor

	disconnected atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// tracer fans PDU and operation records out to the trace files and the
// health monitor
type tracer struct {
	debug  *debug.DebugLogger
	health *debug.LinkHealthMonitor
}

func (t tracer) LogATTPacket(direction string, pdu att.PDU, raw []byte) {
	t.debug.LogATTPacket(direction, pdu, raw)
	t.health.LogATTPacket(direction, pdu, raw)
}

func (t tracer) LogGATTOperation(operation string, handle uint16, data []byte, err error) {
	t.debug.LogGATTOperation(operation, handle, data, err)
	t.health.LogGATTOperation(operation, handle, data, err)
}

func shortHash(s string) string {
	if len(s) >= 8 {
		return s[:8]
	}
	return s
}

// Open starts a session on a connected channel. It returns once the MTU
// exchange is done; discovery continues in the background and completes
// with a gatt.ReadyEvent on Events.
func Open(ctx context.Context, ch l2cap.Channel, opts ...Option) (*Session, error) {
	cfg := config{
		requestTimeout: att.DefaultRequestTimeout,
		confirmTimeout: att.DefaultConfirmTimeout,
		eventBuffer:    gatt.DefaultEventBuffer,
		debug:          util.DebugEnabled(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.New().String()
	s := &Session{
		id:     id,
		prefix: shortHash(id),
		debug:  debug.NewDebugLogger(id, cfg.debug),
		health: debug.NewLinkHealthMonitor(id),
	}
	tr := tracer{debug: s.debug, health: s.health}

	t, err := att.Open(ctx, ch, cfg.mtu,
		att.WithRequestTimeout(cfg.requestTimeout),
		att.WithConfirmTimeout(cfg.confirmTimeout),
		att.WithTracer(tr),
		att.WithLogPrefix(fmt.Sprintf("%s ATT", s.prefix)),
		att.WithDisconnectHandler(s.onDisconnect),
	)
	if err != nil {
		if ch != nil {
			ch.Close()
		}
		return nil, errors.Wrap(err, "open session")
	}
	s.transport = t
	s.health.SetMTU(t.MTU())

	s.db = gatt.NewDatabase()
	clientOpts := []gatt.ClientOption{
		gatt.WithEventBuffer(cfg.eventBuffer),
		gatt.WithOperationTracer(tr),
		gatt.WithClientLogPrefix(fmt.Sprintf("%s GATT", s.prefix)),
	}
	if len(cfg.filter) > 0 {
		clientOpts = append(clientOpts, gatt.WithServiceFilter(cfg.filter...))
	}
	s.client = gatt.NewClient(t, s.db, clientOpts...)

	logger.Info(s.logPrefix(), "🔗 Session opened (mtu %d)", t.MTU())
	if s.debug.Enabled() {
		logger.Debug(s.logPrefix(), "trace files in %s", s.debug.Dir())
		s.health.StartPeriodicSnapshots()
	}
	s.client.Start()
	return s, nil
}

func (s *Session) logPrefix() string {
	return fmt.Sprintf("%s Session", s.prefix)
}

func (s *Session) onDisconnect(cause error) {
	s.disconnected.Store(true)
	s.health.MarkDisconnected(cause)
	logger.Info(s.logPrefix(), "📴 Remote disconnected: %v", cause)
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Events is the single consumer-facing event stream; it is closed by Close
func (s *Session) Events() <-chan gatt.Event {
	return s.client.Events()
}

// Database returns the mirrored attribute database
func (s *Session) Database() *gatt.Database {
	return s.db
}

// Client returns the underlying GATT client
func (s *Session) Client() *gatt.Client {
	return s.client
}

// MTU returns the negotiated ATT MTU
func (s *Session) MTU() int {
	return s.transport.MTU()
}

// Disconnected reports whether the remote side dropped the link
func (s *Session) Disconnected() bool {
	return s.disconnected.Load()
}

// Health returns the link statistics collected so far
func (s *Session) Health() debug.LinkStats {
	return s.health.Stats()
}

// ReadValue reads an attribute value, following long values with Read Blob
func (s *Session) ReadValue(ctx context.Context, handle uint16) ([]byte, error) {
	return s.client.ReadValue(ctx, handle)
}

// WriteValue writes an attribute value
func (s *Session) WriteValue(ctx context.Context, handle uint16, data []byte, mode gatt.WriteMode) error {
	return s.client.WriteValue(ctx, handle, data, mode)
}

// RegisterNotify subscribes ch to a characteristic value handle
func (s *Session) RegisterNotify(ctx context.Context, valueHandle uint16, ch chan<- gatt.Notification) (uint, error) {
	return s.client.RegisterNotify(ctx, valueHandle, ch)
}

// UnregisterNotify removes a subscription; unknown ids are ignored
func (s *Session) UnregisterNotify(ctx context.Context, id uint) error {
	return s.client.UnregisterNotify(ctx, id)
}

// Close cancels discovery and any pending request, closes the transport and
// the event stream. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.client.Stop()
		s.closeErr = s.transport.Close()
		s.health.Stop()
		logger.Info(s.logPrefix(), "👋 Session closed")
	})
	return s.closeErr
}
