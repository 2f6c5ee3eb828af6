package att

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/wire/l2cap"
)

// DefaultConfirmTimeout bounds how long an indication handler may hold back
// the Handle Value Confirmation.
const DefaultConfirmTimeout = 2 * time.Second

// Tracer receives every PDU that crosses the channel (direction "tx" or "rx")
type Tracer interface {
	LogATTPacket(direction string, pdu PDU, raw []byte)
}

// NotificationHandler receives unsolicited Handle Value Notifications and
// Indications. For indications the confirmation is sent after it returns.
type NotificationHandler func(handle uint16, value []byte, indication bool)

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithRequestTimeout overrides DefaultRequestTimeout
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.requestTimeout = d }
}

// WithConfirmTimeout overrides DefaultConfirmTimeout
func WithConfirmTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.confirmTimeout = d }
}

// WithTracer attaches a PDU tracer
func WithTracer(tr Tracer) TransportOption {
	return func(t *Transport) { t.tracer = tr }
}

// WithLogPrefix sets the logger component prefix
func WithLogPrefix(prefix string) TransportOption {
	return func(t *Transport) { t.logPrefix = prefix }
}

// WithDisconnectHandler registers the callback fired once when the channel fails
func WithDisconnectHandler(fn func(error)) TransportOption {
	return func(t *Transport) { t.onDisconnect = fn }
}

// Transport runs ATT over a connected channel: it frames PDUs, correlates
// the single outstanding request with its response, dispatches
// notifications and indications, and owns the negotiated MTU.
type Transport struct {
	ch      l2cap.Channel
	tracker *RequestTracker

	requestTimeout time.Duration
	confirmTimeout time.Duration
	tracer         Tracer
	logPrefix      string
	onDisconnect   func(error)

	mu             sync.Mutex
	mtu            int
	closed         bool
	cause          error
	confirmPending bool
	handlers       map[uint]NotificationHandler
	nextHandlerID  uint

	writeMu sync.Mutex
	done    chan struct{}
}

// Open starts ATT on ch and performs the MTU exchange. mtuHint 0 requests
// MaxMTU; a hint at or below DefaultMTU skips the exchange.
func Open(ctx context.Context, ch l2cap.Channel, mtuHint int, opts ...TransportOption) (*Transport, error) {
	if ch == nil {
		return nil, ErrChannelUnavailable
	}

	t := &Transport{
		ch:             ch,
		requestTimeout: DefaultRequestTimeout,
		confirmTimeout: DefaultConfirmTimeout,
		logPrefix:      "ATT",
		mtu:            DefaultMTU,
		handlers:       make(map[uint]NotificationHandler),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.tracker = NewRequestTracker(t.requestTimeout)
	t.tracker.SetTimeoutCallback(func(opcode byte, handle uint16) {
		logger.Warn(t.logPrefix, "⏱️  %s on handle 0x%04X timed out", OpcodeName(opcode), handle)
	})

	go t.readLoop()

	if err := t.exchangeMTU(ctx, mtuHint); err != nil {
		t.Close()
		if errors.Is(err, ErrDisconnected) {
			return nil, errors.Wrap(ErrChannelUnavailable, err.Error())
		}
		return nil, err
	}
	return t, nil
}

func (t *Transport) exchangeMTU(ctx context.Context, hint int) error {
	if hint == 0 {
		hint = MaxMTU
	}
	if hint > MaxMTU {
		hint = MaxMTU
	}
	if hint <= DefaultMTU {
		return nil
	}

	rsp, err := t.Do(ctx, &ExchangeMTURequest{ClientRxMTU: uint16(hint)})
	if err != nil {
		var attErr *Error
		if errors.As(err, &attErr) {
			logger.Debug(t.logPrefix, "MTU exchange rejected (%v), staying at %d", attErr, DefaultMTU)
			return nil
		}
		return errors.Wrap(err, "mtu exchange")
	}

	server := int(rsp.(*ExchangeMTUResponse).ServerRxMTU)
	negotiated := hint
	if server < negotiated {
		negotiated = server
	}
	if negotiated < DefaultMTU {
		negotiated = DefaultMTU
	}

	t.mu.Lock()
	t.mtu = negotiated
	t.mu.Unlock()
	logger.Debug(t.logPrefix, "✅ MTU negotiated: client=%d server=%d -> %d", hint, server, negotiated)
	return nil
}

// MTU returns the negotiated ATT MTU
func (t *Transport) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

// RegisterHandler adds a notification/indication handler and returns its id
func (t *Transport) RegisterHandler(h NotificationHandler) uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandlerID++
	t.handlers[t.nextHandlerID] = h
	return t.nextHandlerID
}

// UnregisterHandler removes a handler; unknown ids are ignored
func (t *Transport) UnregisterHandler(id uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

// Err returns the failure that disconnected the transport, if any
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Done is closed once the read loop has exited
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) encode(pdu PDU) ([]byte, error) {
	raw, err := EncodePacket(pdu)
	if err != nil {
		return nil, err
	}
	if mtu := t.MTU(); len(raw) > mtu {
		return nil, errors.Wrapf(ErrPDUTooLarge, "%s is %d bytes, mtu %d", OpcodeName(pdu.Opcode()), len(raw), mtu)
	}
	return raw, nil
}

// SendRequest transmits a request and returns its pending handle. It fails
// with ErrProtocolBusy while another request or an indication confirmation
// is outstanding.
func (t *Transport) SendRequest(req PDU) (*PendingRequest, error) {
	raw, err := t.encode(req)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		cause := t.cause
		t.mu.Unlock()
		if cause == nil {
			return nil, ErrCancelled
		}
		return nil, ErrDisconnected
	}
	if t.confirmPending {
		t.mu.Unlock()
		return nil, errors.Wrap(ErrProtocolBusy, "indication confirmation pending")
	}
	pending, err := t.tracker.StartRequest(req.Opcode(), RequestHandle(req), 0)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := t.write(req, raw); err != nil {
		t.tracker.failID(pending.ID, ErrDisconnected)
		t.fail(err)
		return nil, ErrDisconnected
	}
	return pending, nil
}

// Do sends a request and waits for its response. An Error Response from the
// peer is returned as *Error.
func (t *Transport) Do(ctx context.Context, req PDU) (PDU, error) {
	pending, err := t.SendRequest(req)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// SendCommand transmits a PDU that expects no response
func (t *Transport) SendCommand(cmd PDU) error {
	raw, err := t.encode(cmd)
	if err != nil {
		return err
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrDisconnected
	}

	if err := t.write(cmd, raw); err != nil {
		t.fail(err)
		return ErrDisconnected
	}
	return nil
}

func (t *Transport) write(pdu PDU, raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	logger.Trace(t.logPrefix, "📤 %s (%d bytes)", OpcodeName(pdu.Opcode()), len(raw))
	if t.tracer != nil {
		t.tracer.LogATTPacket("tx", pdu, raw)
	}
	return t.ch.Send(raw)
}

// Close fails any pending request with ErrCancelled, closes the channel and
// waits for the read loop. It does not fire the disconnect handler and is a
// no-op once the transport is closed or disconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.tracker.CancelPending(ErrCancelled)
	err := t.ch.Close()
	<-t.done
	return err
}

// fail moves the transport to the disconnected state exactly once
func (t *Transport) fail(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cause = cause
	cb := t.onDisconnect
	t.mu.Unlock()

	logger.Info(t.logPrefix, "🔌 Disconnected: %v", cause)
	if op, handle, age, ok := t.tracker.GetPendingInfo(); ok {
		logger.Debug(t.logPrefix, "Failing %s on 0x%04X after %s", OpcodeName(op), handle, age)
	}
	t.tracker.CancelPending(errors.Wrap(ErrDisconnected, cause.Error()))
	t.ch.Close()
	if cb != nil {
		cb(cause)
	}
}

func (t *Transport) readLoop() {
	defer close(t.done)

	for {
		raw, err := t.ch.Recv()
		if err != nil {
			t.fail(err)
			return
		}

		if mtu := t.MTU(); len(raw) > mtu {
			logger.Warn(t.logPrefix, "❌ Dropping %d byte PDU (mtu %d)", len(raw), mtu)
			continue
		}

		pdu, err := DecodePacket(raw)
		if t.tracer != nil {
			t.tracer.LogATTPacket("rx", pdu, raw)
		}
		if err != nil {
			logger.Warn(t.logPrefix, "❌ Failed to decode PDU: %v", err)
			if len(raw) > 0 && IsRequest(raw[0]) {
				t.reject(raw[0], 0, ErrInvalidPDU)
			}
			continue
		}
		logger.Trace(t.logPrefix, "📥 %s (%d bytes)", OpcodeName(pdu.Opcode()), len(raw))
		logger.TraceJSON(t.logPrefix, OpcodeName(pdu.Opcode()), pdu)

		t.dispatch(pdu)
	}
}

func (t *Transport) dispatch(pdu PDU) {
	op := pdu.Opcode()
	switch {
	case IsResponse(op):
		if err := t.tracker.CompleteRequest(pdu); err != nil {
			logger.Warn(t.logPrefix, "⚠️  %s: %v", OpcodeName(op), err)
		}

	case op == OpHandleValueNotification:
		p := pdu.(*HandleValueNotification)
		for _, h := range t.snapshotHandlers() {
			h(p.Handle, p.Value, false)
		}

	case op == OpHandleValueIndication:
		t.indicate(pdu.(*HandleValueIndication))

	case IsRequest(op):
		// Client-only bearer: server-side requests are not supported.
		t.reject(op, RequestHandle(pdu), ErrRequestNotSupported)

	default:
		logger.Debug(t.logPrefix, "Ignoring %s", OpcodeName(op))
	}
}

func (t *Transport) reject(op uint8, handle uint16, code uint8) {
	rsp := &ErrorResponse{RequestOpcode: op, Handle: handle, ErrorCode: code}
	raw, _ := EncodePacket(rsp)
	if err := t.write(rsp, raw); err != nil {
		t.fail(err)
	}
}

func (t *Transport) indicate(ind *HandleValueIndication) {
	t.mu.Lock()
	t.confirmPending = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, h := range t.snapshotHandlers() {
			h(ind.Handle, ind.Value, true)
		}
	}()

	timer := time.NewTimer(t.confirmTimeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		logger.Warn(t.logPrefix, "⏱️  Indication handler for 0x%04X still running, confirming anyway", ind.Handle)
	}

	confirm := &HandleValueConfirmation{}
	raw, _ := EncodePacket(confirm)
	err := t.write(confirm, raw)

	t.mu.Lock()
	t.confirmPending = false
	t.mu.Unlock()

	if err != nil {
		t.fail(err)
	}
}

func (t *Transport) snapshotHandlers() []NotificationHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]NotificationHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	return hs
}
