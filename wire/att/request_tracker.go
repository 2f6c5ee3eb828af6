package att

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultRequestTimeout is the ATT transaction timeout (Core Spec Vol 3, Part F, 3.3.3)
const DefaultRequestTimeout = 30 * time.Second

// RequestTracker manages the single outstanding ATT request of a bearer and
// matches it with its response. ATT allows only one request in flight per
// direction; a second StartRequest fails with ErrProtocolBusy.
type RequestTracker struct {
	mu              sync.Mutex
	pending         *PendingRequest
	nextID          uint64
	defaultTimeout  time.Duration
	timeoutCallback func(opcode byte, handle uint16)
}

// PendingRequest represents a single outstanding ATT request
type PendingRequest struct {
	ID     uint64
	Opcode byte
	Handle uint16
	SentAt time.Time

	responseC chan Response
	timer     *time.Timer
	tracker   *RequestTracker
}

// Response represents an ATT response or error
type Response struct {
	Packet PDU   // nil when Error is set by the tracker itself
	Error  error // timeout, disconnect, unexpected response or *Error
}

// NewRequestTracker creates a new request tracker
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &RequestTracker{
		defaultTimeout: timeout,
	}
}

// SetTimeoutCallback sets a callback to be invoked when a request times out
func (rt *RequestTracker) SetTimeoutCallback(cb func(opcode byte, handle uint16)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.timeoutCallback = cb
}

// StartRequest registers a new ATT request.
// Returns ErrProtocolBusy if another request is already pending.
func (rt *RequestTracker) StartRequest(opcode byte, handle uint16, timeout time.Duration) (*PendingRequest, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, errors.Wrapf(ErrProtocolBusy, "opcode 0x%02X on handle 0x%04X in flight",
			rt.pending.Opcode, rt.pending.Handle)
	}

	if timeout == 0 {
		timeout = rt.defaultTimeout
	}

	rt.nextID++
	req := &PendingRequest{
		ID:        rt.nextID,
		Opcode:    opcode,
		Handle:    handle,
		SentAt:    time.Now(),
		responseC: make(chan Response, 1),
		tracker:   rt,
	}
	id := req.ID
	req.timer = time.AfterFunc(timeout, func() { rt.expire(id) })
	rt.pending = req

	return req, nil
}

// expire fails request id with ErrTimeout if it is still the pending one
func (rt *RequestTracker) expire(id uint64) {
	rt.mu.Lock()
	if rt.pending == nil || rt.pending.ID != id {
		rt.mu.Unlock()
		return
	}
	req := rt.pending
	rt.finishLocked(Response{
		Error: errors.Wrapf(ErrTimeout, "opcode 0x%02X, handle 0x%04X", req.Opcode, req.Handle),
	})
	cb := rt.timeoutCallback
	rt.mu.Unlock()

	if cb != nil {
		cb(req.Opcode, req.Handle)
	}
}

// finishLocked delivers resp to the pending waiter and clears the slot
func (rt *RequestTracker) finishLocked(resp Response) {
	req := rt.pending
	rt.pending = nil
	req.timer.Stop()
	req.responseC <- resp
	close(req.responseC)
}

// CompleteRequest delivers a response-class PDU to the pending request.
// A response that does not answer the pending request still completes it,
// with ErrUnexpectedResponse, so the slot never stays occupied.
// Returns an error if nothing is pending or the response did not match.
func (rt *RequestTracker) CompleteRequest(pdu PDU) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return errors.Errorf("no pending ATT request for response opcode 0x%02X", pdu.Opcode())
	}

	req := rt.pending
	if errRsp, ok := pdu.(*ErrorResponse); ok {
		if errRsp.RequestOpcode != req.Opcode {
			err := errors.Wrapf(ErrUnexpectedResponse, "error response for opcode 0x%02X while 0x%02X pending",
				errRsp.RequestOpcode, req.Opcode)
			rt.finishLocked(Response{Error: err})
			return err
		}
		rt.finishLocked(Response{
			Packet: pdu,
			Error:  NewError(errRsp.ErrorCode, errRsp.RequestOpcode, errRsp.Handle),
		})
		return nil
	}

	expected := GetResponseOpcode(req.Opcode)
	if pdu.Opcode() != expected {
		err := errors.Wrapf(ErrUnexpectedResponse, "opcode 0x%02X for request 0x%02X (expected 0x%02X)",
			pdu.Opcode(), req.Opcode, expected)
		rt.finishLocked(Response{Error: err})
		return err
	}

	rt.finishLocked(Response{Packet: pdu})
	return nil
}

// failID fails request id only if it is still the pending one
func (rt *RequestTracker) failID(id uint64, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil && rt.pending.ID == id {
		rt.finishLocked(Response{Error: err})
	}
}

// GetPendingInfo returns info about the pending request (for debugging)
func (rt *RequestTracker) GetPendingInfo() (opcode byte, handle uint16, duration time.Duration, hasPending bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return 0, 0, 0, false
	}

	return rt.pending.Opcode, rt.pending.Handle, time.Since(rt.pending.SentAt), true
}

// CancelPending fails any pending request with err (used during disconnection and close)
func (rt *RequestTracker) CancelPending(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return
	}
	rt.finishLocked(Response{Error: err})
}

// Wait blocks until the response arrives, the request fails, or ctx is done.
// A cancelled wait releases the pending slot.
func (p *PendingRequest) Wait(ctx context.Context) (PDU, error) {
	select {
	case resp := <-p.responseC:
		return resp.Packet, resp.Error
	case <-ctx.Done():
		p.tracker.failID(p.ID, errors.Wrap(ErrCancelled, ctx.Err().Error()))
		resp := <-p.responseC
		return resp.Packet, resp.Error
	}
}
