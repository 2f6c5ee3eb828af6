package att

import (
	"github.com/pkg/errors"
)

// MaxWriteValue is the largest value a Write Request or Write Command can
// carry at the given MTU: [Opcode:1][Handle:2][Value:N]
func MaxWriteValue(mtu int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return mtu - 3
}

// MaxReadValue is the largest value a Read or Read Blob response can carry
func MaxReadValue(mtu int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return mtu - 1
}

// ShouldFragment returns true if the value exceeds a single Write Request
func ShouldFragment(mtu int, value []byte) bool {
	return len(value) > MaxWriteValue(mtu)
}

// FragmentWrite splits a long value into Prepare Write requests.
// PrepareWriteRequest format: [Opcode:1][Handle:2][Offset:2][Value:N]
func FragmentWrite(handle uint16, value []byte, mtu int) ([]*PrepareWriteRequest, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if len(value) > 0xFFFF {
		return nil, errors.Errorf("att: value too long for prepared write (len=%d)", len(value))
	}
	maxChunkSize := mtu - 5
	if maxChunkSize <= 0 {
		return nil, errors.Errorf("att: MTU too small for fragmentation (mtu=%d)", mtu)
	}

	var requests []*PrepareWriteRequest
	for offset := 0; offset < len(value); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(value) {
			end = len(value)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, value[offset:end])
		requests = append(requests, &PrepareWriteRequest{
			Handle: handle,
			Offset: uint16(offset),
			Value:  chunk,
		})
	}
	return requests, nil
}

// EchoMatches reports whether a Prepare Write Response echoes its request.
// A mismatch means the value was corrupted and the queue must be cancelled.
func EchoMatches(req *PrepareWriteRequest, rsp *PrepareWriteResponse) bool {
	if req == nil || rsp == nil {
		return false
	}
	if req.Handle != rsp.Handle || req.Offset != rsp.Offset || len(req.Value) != len(rsp.Value) {
		return false
	}
	for i := range req.Value {
		if req.Value[i] != rsp.Value[i] {
			return false
		}
	}
	return true
}

// PrepareQueue is the server side of a prepared write: it collects
// Prepare Write requests per handle until Execute Write commits or cancels
// them.
type PrepareQueue struct {
	queue map[uint16][]*PrepareWriteRequest
	order []uint16
}

// NewPrepareQueue creates an empty queue
func NewPrepareQueue() *PrepareQueue {
	return &PrepareQueue{queue: make(map[uint16][]*PrepareWriteRequest)}
}

// Add queues a fragment. Fragments for one handle must arrive in offset order.
func (q *PrepareQueue) Add(req *PrepareWriteRequest) error {
	if req == nil {
		return errors.New("att: nil prepare write request")
	}

	frags, exists := q.queue[req.Handle]
	expectedOffset := 0
	for _, f := range frags {
		expectedOffset += len(f.Value)
	}
	if int(req.Offset) != expectedOffset {
		return NewError(ErrInvalidOffset, OpPrepareWriteRequest, req.Handle)
	}

	if !exists {
		q.order = append(q.order, req.Handle)
	}
	q.queue[req.Handle] = append(frags, req)
	return nil
}

// Value returns the reassembled value for a handle, or nil if nothing is queued
func (q *PrepareQueue) Value(handle uint16) []byte {
	frags := q.queue[handle]
	if len(frags) == 0 {
		return nil
	}

	total := 0
	for _, f := range frags {
		total += len(f.Value)
	}
	result := make([]byte, 0, total)
	for _, f := range frags {
		result = append(result, f.Value...)
	}
	return result
}

// Handles returns the queued handles in the order they were first prepared
func (q *PrepareQueue) Handles() []uint16 {
	out := make([]uint16, len(q.order))
	copy(out, q.order)
	return out
}

// Len returns the number of fragments queued for a handle
func (q *PrepareQueue) Len(handle uint16) int {
	return len(q.queue[handle])
}

// Clear drops every queued fragment
func (q *PrepareQueue) Clear() {
	q.queue = make(map[uint16][]*PrepareWriteRequest)
	q.order = nil
}
